package hook

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/bobbin/log"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

// The hook command is nested like so:
//
//	bobbin hook --[flags] [hook]
func Command() *cli.Command {
	return &cli.Command{
		Name:  "hook",
		Usage: "run git hooks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "git-dir",
				Usage: "repository the hook runs in",
				Value: ".",
			},
			&cli.StringFlag{
				Name:    "endpoint",
				Usage:   "bobbin server to send trigger events to",
				Value:   "http://localhost:6560",
				Sources: cli.EnvVars("BOBBIN_ENDPOINT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "post-receive",
				Usage:  "sends a push event per updated branch to the server (waits for stdin)",
				Action: postReceive,
			},
		},
	}
}

// RefUpdate is one "<old> <new> <ref>" line as git feeds it to post-receive.
type RefUpdate struct {
	Old plumbing.Hash
	New plumbing.Hash
	Ref plumbing.ReferenceName
}

func ParseUpdates(r io.Reader) ([]RefUpdate, error) {
	var updates []RefUpdate

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed ref update %q", line)
		}
		updates = append(updates, RefUpdate{
			Old: plumbing.NewHash(fields[0]),
			New: plumbing.NewHash(fields[1]),
			Ref: plumbing.ReferenceName(fields[2]),
		})
	}

	return updates, scanner.Err()
}

// ChangedPaths lists the paths that differ between two commits. A zero old
// hash means a new branch, so every path in the new commit counts.
func ChangedPaths(repo *git.Repository, old, new plumbing.Hash) ([]string, error) {
	newCommit, err := repo.CommitObject(new)
	if err != nil {
		return nil, fmt.Errorf("loading commit %s: %w", new, err)
	}
	toTree, err := newCommit.Tree()
	if err != nil {
		return nil, err
	}

	fromTree := &object.Tree{}
	if !old.IsZero() {
		oldCommit, err := repo.CommitObject(old)
		if err != nil {
			return nil, fmt.Errorf("loading commit %s: %w", old, err)
		}
		if fromTree, err = oldCommit.Tree(); err != nil {
			return nil, err
		}
	}

	changes, err := fromTree.Diff(toTree)
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", old, new, err)
	}

	seen := make(map[string]struct{})
	var paths []string
	for _, c := range changes {
		for _, name := range []string{c.From.Name, c.To.Name} {
			if _, ok := seen[name]; name == "" || ok {
				continue
			}
			seen[name] = struct{}{}
			paths = append(paths, name)
		}
	}

	return paths, nil
}

type triggerResponse struct {
	RunId string `json:"run_id"`
}

// Trigger posts ev to the server. It returns the run id, or "" when the
// pipeline's filter rejected the event.
func Trigger(ctx context.Context, client *http.Client, endpoint string, ev workflow.TriggerEvent) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}

	var runId string
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+"/trigger", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to execute request: %w", err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusAccepted:
				var tr triggerResponse
				if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
					return retry.Unrecoverable(err)
				}
				runId = tr.RunId
				return nil
			case http.StatusNoContent:
				return nil
			case http.StatusServiceUnavailable:
				return fmt.Errorf("server queue is full")
			default:
				msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
				return retry.Unrecoverable(fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
			}
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)

	return runId, err
}

func postReceive(ctx context.Context, cmd *cli.Command) error {
	l := log.FromContext(ctx)
	gitDir := cmd.String("git-dir")
	endpoint := cmd.String("endpoint")

	updates, err := ParseUpdates(os.Stdin)
	if err != nil {
		return err
	}

	repo, err := git.PlainOpen(gitDir)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	for _, u := range updates {
		// deleted branches and tags do not trigger
		if !u.Ref.IsBranch() || u.New.IsZero() {
			continue
		}

		paths, err := ChangedPaths(repo, u.Old, u.New)
		if err != nil {
			return err
		}

		ev := workflow.TriggerEvent{
			Kind:         workflow.TriggerKindPush,
			Branch:       u.Ref.Short(),
			ChangedPaths: paths,
		}
		runId, err := Trigger(ctx, client, endpoint, ev)
		if err != nil {
			return fmt.Errorf("triggering %s: %w", ev.Branch, err)
		}

		if runId == "" {
			fmt.Fprintf(cmd.Root().ErrWriter, "bobbin: %s: no run for this push\n", ev.Branch)
			continue
		}
		l.Info("run triggered", "branch", ev.Branch, "run", runId)
		fmt.Fprintf(cmd.Root().ErrWriter, "bobbin: %s: started run %s\n", ev.Branch, runId)
	}

	return nil
}
