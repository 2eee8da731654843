package docstore

import (
	"context"
	"errors"
)

// OpType is the kind of write carried by an Operation.
type OpType string

const (
	OpUpdate OpType = "update"
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
	// OpIncrement is an update whose fields carry Increment markers.
	OpIncrement OpType = "increment"
)

// Operation is one deferred write against a document.
// Data keys are dotted field paths ("stats.correctAnswers").
type Operation struct {
	Type       OpType         `json:"type"`
	Collection string         `json:"collection"`
	DocID      string         `json:"doc_id"`
	Data       map[string]any `json:"data,omitempty"`
	Merge      bool           `json:"merge,omitempty"` // set only
}

// Increment adds Delta to the numeric field it is assigned to.
// A missing field counts as zero.
type Increment struct {
	Delta float64
}

func Inc(delta float64) Increment { return Increment{Delta: delta} }

// ArrayUnion appends each value not already present in the array field.
type ArrayUnion struct {
	Values []any
}

func Union(values ...any) ArrayUnion { return ArrayUnion{Values: values} }

// Document is a decoded remote document.
type Document map[string]any

var (
	// ErrNotFound is returned for reads and updates of absent documents.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrInvalidOperation is returned for malformed operations.
	ErrInvalidOperation = errors.New("docstore: invalid operation")

	// ErrConflict is returned when documents kept changing between the read
	// and the write of a commit.
	ErrConflict = errors.New("docstore: concurrent modification")
)

// Store is the remote document database as seen by the batch layer.
// Commit applies every operation atomically, in order, or none of them.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Commit(ctx context.Context, ops []Operation) error
}

// Limiter is implemented by stores whose transactions hold fewer operations
// than the batch layer's default cap.
type Limiter interface {
	MaxOperations() int
}

type tokenKey struct{}

// WithIdempotencyToken attaches a client token to ctx. Stores that support
// idempotent transactions send it with Commit so a resubmitted transaction
// is applied at most once.
func WithIdempotencyToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// IdempotencyToken returns the token set by WithIdempotencyToken.
func IdempotencyToken(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(tokenKey{}).(string)
	return tok, ok && tok != ""
}

// Validate checks the fields every store relies on.
func (op Operation) Validate() error {
	if op.Collection == "" || op.DocID == "" {
		return errors.Join(ErrInvalidOperation, errors.New("collection and doc id are required"))
	}
	switch op.Type {
	case OpUpdate, OpIncrement, OpSet:
		if len(op.Data) == 0 {
			return errors.Join(ErrInvalidOperation, errors.New(string(op.Type)+" requires data"))
		}
	case OpDelete:
	default:
		return errors.Join(ErrInvalidOperation, errors.New("unknown type "+string(op.Type)))
	}
	return nil
}
