package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/wolfeidau/lifeline/internal/queue"
)

type QueueCmd struct {
	Enqueue QueueEnqueueCmd `cmd:"" help:"Add an action to the queue"`
	List    QueueListCmd    `cmd:"" help:"List queued actions"`
	Drain   QueueDrainCmd   `cmd:"" help:"Replay queued actions once"`
}

type QueueEnqueueCmd struct {
	Kind string `help:"Action kind" required:"" enum:"upload_asset,persist_record"`
	File string `help:"Payload file, YAML or JSON (- for stdin)" default:"-"`
}

func (c *QueueEnqueueCmd) Run(ctx context.Context, globals *Globals) error {
	payload, err := readPayload(c.File)
	if err != nil {
		return err
	}

	action, err := queue.NewAction(queue.Kind(c.Kind), payload)
	if err != nil {
		return err
	}

	svc, err := openServices(ctx, globals)
	if err != nil {
		return err
	}
	defer svc.close()

	q := queue.New(svc.queue)
	if err := q.Enqueue(ctx, action); err != nil {
		return fmt.Errorf("failed to enqueue action: %w", err)
	}

	fmt.Printf("Enqueued %s (%s)\n", action.ID, action.Kind)
	return nil
}

// readPayload reads a payload file and returns it as JSON. YAML documents are
// converted.
func readPayload(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	if json.Valid(data) {
		return json.RawMessage(data), nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	if doc == nil {
		return nil, errors.New("payload is empty")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("payload cannot be represented as JSON: %w", err)
	}
	return raw, nil
}

type QueueListCmd struct{}

func (c *QueueListCmd) Run(ctx context.Context, globals *Globals) error {
	svc, err := openServices(ctx, globals)
	if err != nil {
		return err
	}
	defer svc.close()

	pending, err := queue.New(svc.queue).Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	if len(pending) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tKIND\tENQUEUED\tATTEMPTS\tLAST ERROR")
	for _, a := range pending {
		lastError := a.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", a.ID, a.Kind, formatTime(a.EnqueuedAt), a.Attempts, lastError)
	}

	return nil
}

type QueueDrainCmd struct {
	IdentityFlags
	HandlerFlags
}

func (c *QueueDrainCmd) Run(ctx context.Context, globals *Globals) error {
	svc, err := openServices(ctx, globals)
	if err != nil {
		return err
	}
	defer svc.close()

	scheduler, err := svc.newScheduler(ctx, c.IdentityFlags)
	if err != nil {
		return err
	}
	defer scheduler.Stop()

	q := queue.New(svc.queue)
	release, err := c.register(ctx, q, scheduler.AccessToken)
	if err != nil {
		return err
	}
	defer release()

	stats, err := q.Drain(ctx)
	if err != nil {
		return fmt.Errorf("drain failed: %w", err)
	}

	fmt.Printf("Attempted %d, succeeded %d, failed %d, %d remaining\n",
		stats.Attempted, stats.Succeeded, stats.Failed, stats.Remaining)
	return nil
}
