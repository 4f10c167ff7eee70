package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lvcoi/ytdl-web/internal/jobs"
)

const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

var pollInterval = 200 * time.Millisecond

// Result is the outcome of one batch download.
type Result struct {
	URL   string `json:"url"`
	ID    string `json:"id"`
	File  string `json:"file,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Run submits reqs to m with at most workers jobs in flight, waits for each
// to finish and returns the results in completion order with an exit code.
func Run(ctx context.Context, m *jobs.Manager, reqs []jobs.Request, workers int) ([]Result, int) {
	if workers < 1 {
		workers = 1
	}

	tasks := make(chan jobs.Request)
	results := make(chan Result, len(reqs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-tasks:
					if !ok {
						return
					}
					res := runOne(ctx, m, req)
					select {
					case results <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	submitted := 0
feed:
	for _, req := range reqs {
		select {
		case <-ctx.Done():
			break feed
		case tasks <- req:
			submitted++
		}
	}
	close(tasks)

	go func() {
		wg.Wait()
		close(results)
	}()

	output := make([]Result, 0, submitted)
	exitCode := ExitOK
	for res := range results {
		output = append(output, res)
		if res.Err != nil {
			exitCode = ExitFailed
		}
	}
	if ctx.Err() != nil {
		exitCode = ExitInterrupted
	}
	return output, exitCode
}

func runOne(ctx context.Context, m *jobs.Manager, req jobs.Request) Result {
	id := m.Submit(req)
	res := Result{URL: req.URL, ID: id}
	snap, err := WaitFor(ctx, m, id)
	switch {
	case err != nil:
		res.Err = err
	case snap.Status == jobs.StatusCompleted:
		res.File = snap.Filepath
	default:
		res.Err = errors.New(snap.Message)
	}
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	return res
}

// WaitFor polls the job until it is terminal or gone.
func WaitFor(ctx context.Context, m *jobs.Manager, id string) (jobs.Snapshot, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		snap := m.Status(id)
		if snap.Status.Terminal() || snap.Status == jobs.StatusUnknown {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}
