// Package recorder writes the tamper-evident execution history. Each record carries the
// SHA-256 of its predecessor's hash and its own canonical content, so editing or removing
// a row breaks every later link.
package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"rexec/internal/store"
	"rexec/internal/types"
)

// Redacted replaces sensitive parameter values in stored records.
const Redacted = "[redacted]"

// Store is the append-only history backend.
type Store interface {
	AppendExecution(ctx context.Context, build func(prevHash string) (types.Execution, error)) (types.Execution, error)
	WalkExecutions(ctx context.Context, fn func(types.Execution) error) error
}

type Recorder struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// Record stores e and returns its new id. Values of parameters marked sensitive in
// schema are replaced by Redacted in the parameter map, the error message and the
// captured output.
func (r *Recorder) Record(ctx context.Context, e types.Execution, schema []types.ParamSpec) (string, error) {
	e.ID = uuid.NewString()
	if e.StartedAt.IsZero() {
		e.StartedAt = r.now()
	}
	// Stored with nanosecond precision in UTC; hash what will be read back.
	e.StartedAt = e.StartedAt.UTC().Round(0)
	redact(&e, schema)

	saved, err := r.store.AppendExecution(ctx, func(prev string) (types.Execution, error) {
		e.PrevHash = prev
		h, err := Hash(prev, e)
		if err != nil {
			return types.Execution{}, err
		}
		e.Hash = h
		return e, nil
	})
	if err != nil {
		return "", fmt.Errorf("record execution: %w", err)
	}
	return saved.ID, nil
}

func redact(e *types.Execution, schema []types.ParamSpec) {
	if e.Parameters == nil {
		return
	}
	params := make(map[string]string, len(e.Parameters))
	for k, v := range e.Parameters {
		params[k] = v
	}
	for _, p := range schema {
		v, ok := params[p.Name]
		if !p.Sensitive || !ok {
			continue
		}
		params[p.Name] = Redacted
		if v != "" {
			e.ErrorMessage = strings.ReplaceAll(e.ErrorMessage, v, Redacted)
			e.Stdout = strings.ReplaceAll(e.Stdout, v, Redacted)
			e.Stderr = strings.ReplaceAll(e.Stderr, v, Redacted)
		}
	}
	e.Parameters = params
}

type canonicalRecord struct {
	ID           string            `json:"id"`
	TemplateID   string            `json:"template_id"`
	HostID       string            `json:"host_id"`
	Parameters   map[string]string `json:"parameters"`
	ExitCode     int               `json:"exit_code"`
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	DurationNS   int64             `json:"duration_ns"`
	Outcome      string            `json:"outcome"`
	ErrorKind    string            `json:"error_kind"`
	ErrorMessage string            `json:"error_message"`
	StartedAt    string            `json:"started_at"`
}

// Hash computes the chain hash of e given its predecessor's hash.
func Hash(prev string, e types.Execution) (string, error) {
	b, err := json.Marshal(canonicalRecord{
		ID:           e.ID,
		TemplateID:   e.TemplateID,
		HostID:       e.HostID,
		Parameters:   e.Parameters,
		ExitCode:     e.ExitCode,
		Stdout:       e.Stdout,
		Stderr:       e.Stderr,
		DurationNS:   int64(e.Duration),
		Outcome:      string(e.Outcome),
		ErrorKind:    string(e.ErrorKind),
		ErrorMessage: e.ErrorMessage,
		StartedAt:    store.FormatTime(e.StartedAt),
	})
	if err != nil {
		return "", fmt.Errorf("canonical record: %w", err)
	}
	sum := sha256.New()
	sum.Write([]byte(prev))
	sum.Write([]byte{'\n'})
	sum.Write(b)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// ChainError describes the first broken link found by Verify.
type ChainError struct {
	Seq    int64
	ID     string
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("execution history broken at #%d (%s): %s", e.Seq, e.ID, e.Reason)
}

// Verify walks the whole history and returns the number of records checked. A broken
// link is reported as *ChainError.
func (r *Recorder) Verify(ctx context.Context) (int, error) {
	prev := ""
	n := 0
	err := r.store.WalkExecutions(ctx, func(e types.Execution) error {
		if e.PrevHash != prev {
			return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "previous hash does not match"}
		}
		want, err := Hash(prev, e)
		if err != nil {
			return err
		}
		if want != e.Hash {
			return &ChainError{Seq: e.Seq, ID: e.ID, Reason: "content does not match its hash"}
		}
		prev = e.Hash
		n++
		return nil
	})
	return n, err
}
