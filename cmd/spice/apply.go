package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// fileApplier records auto-applied categories as JSON lines for the ledger to import.
type fileApplier struct {
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

type appliedCategory struct {
	AppliedAt  time.Time `json:"applied_at"`
	Ref        string    `json:"ref"`
	CategoryID string    `json:"category_id"`
	Confidence float64   `json:"confidence"`
}

func newFileApplier(path string) (*fileApplier, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open apply log: %w", err)
	}
	return &fileApplier{file: f, enc: json.NewEncoder(f)}, nil
}

// ApplyCategory implements service.TransactionApplier.
func (a *fileApplier) ApplyCategory(ctx context.Context, ref, categoryID string, confidence float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enc.Encode(appliedCategory{
		AppliedAt:  time.Now().UTC(),
		Ref:        ref,
		CategoryID: categoryID,
		Confidence: confidence,
	})
}

func (a *fileApplier) Close() error {
	return a.file.Close()
}
