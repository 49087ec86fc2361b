package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/breez/data-mirror/retry"
	"github.com/breez/data-mirror/sink"
	"github.com/breez/data-mirror/source"
	"github.com/breez/data-mirror/store"
)

// reconcileRecord applies one record. Only fatal errors are returned; every
// other failure is recorded on the scope result.
func (run *scopeRun) reconcileRecord(ctx context.Context, rec source.Record) error {
	if rec.Deleted {
		return run.deleteRecord(ctx, rec.ID)
	}

	doc, err := run.scope.Mapper.Map(rec.ID, rec.Payload)
	if err != nil {
		return run.fail(rec.ID, "map", err)
	}
	if doc.ID != rec.ID {
		return run.fail(rec.ID, "map", fmt.Errorf("mapped identifier %q does not match record", doc.ID))
	}

	mapping, err := run.state.GetMapping(ctx, run.scope.Name, doc.ID)
	if err != nil {
		return retry.MarkFatal(fmt.Errorf("failed to load mapping: %w", err))
	}

	if mapping == nil {
		match, err := run.snk.FindByIdentifier(ctx, doc.ID)
		if err != nil {
			return run.fail(doc.ID, "find", err)
		}
		if match == nil {
			return run.create(ctx, doc)
		}
		run.log.Debug("adopting existing document", "id", doc.ID, "locator", match.Locator)
		return run.update(ctx, doc, match.Locator, match.Token)
	}

	if mapping.ContentHash == doc.Hash {
		run.result.Skipped++
		return nil
	}
	return run.update(ctx, doc, mapping.Locator, mapping.Token)
}

func (run *scopeRun) deleteRecord(ctx context.Context, id string) error {
	mapping, err := run.state.GetMapping(ctx, run.scope.Name, id)
	if err != nil {
		return retry.MarkFatal(fmt.Errorf("failed to load mapping: %w", err))
	}
	if mapping == nil {
		run.result.Skipped++
		return nil
	}
	if run.opts.DryRun {
		run.result.Deleted++
		return nil
	}
	if err := run.snk.Delete(ctx, mapping.Locator); err != nil && !errors.Is(err, sink.ErrNotFound) {
		return run.fail(id, "delete", err)
	}
	if err := run.state.DeleteMapping(ctx, run.scope.Name, id); err != nil {
		return retry.MarkFatal(fmt.Errorf("failed to delete mapping: %w", err))
	}
	run.result.Deleted++
	run.log.Debug("deleted", "id", id)
	return nil
}

func (run *scopeRun) create(ctx context.Context, doc sink.Document) error {
	if run.opts.DryRun {
		run.result.Created++
		return nil
	}
	locator, token, err := run.snk.Create(ctx, doc)
	if err != nil {
		return run.fail(doc.ID, "create", err)
	}
	if err := run.saveMapping(ctx, doc, locator, token); err != nil {
		return err
	}
	run.result.Created++
	run.log.Debug("created", "id", doc.ID)
	return nil
}

// update writes doc at locator. A stale token or a vanished locator is
// resolved once by looking the document up again; when it is gone the
// document is created anew.
func (run *scopeRun) update(ctx context.Context, doc sink.Document, locator, token string) error {
	if run.opts.DryRun {
		run.result.Updated++
		return nil
	}
	newToken, err := run.snk.Update(ctx, locator, doc, token)
	if isRecoverable(err) {
		run.log.Info("update conflict, refetching", "id", doc.ID, "error", err)
		match, findErr := run.snk.FindByIdentifier(ctx, doc.ID)
		if findErr != nil {
			return run.fail(doc.ID, "find", findErr)
		}
		if match == nil {
			return run.create(ctx, doc)
		}
		locator = match.Locator
		newToken, err = run.snk.Update(ctx, locator, doc, match.Token)
	}
	if err != nil {
		return run.fail(doc.ID, "update", err)
	}
	if err := run.saveMapping(ctx, doc, locator, newToken); err != nil {
		return err
	}
	run.result.Updated++
	run.log.Debug("updated", "id", doc.ID)
	return nil
}

func isRecoverable(err error) bool {
	return errors.Is(err, sink.ErrConflict) || errors.Is(err, sink.ErrNotFound)
}

func (run *scopeRun) saveMapping(ctx context.Context, doc sink.Document, locator, token string) error {
	err := run.state.PutMapping(ctx, store.Mapping{
		Scope:       run.scope.Name,
		ID:          doc.ID,
		Locator:     locator,
		Token:       token,
		ContentHash: doc.Hash,
	})
	if err != nil {
		return retry.MarkFatal(fmt.Errorf("failed to save mapping: %w", err))
	}
	return nil
}

// fail records a per-item failure, or returns err when it is fatal.
func (run *scopeRun) fail(id, op string, err error) error {
	if retry.IsFatal(err) {
		return fmt.Errorf("failed to %v %v: %w", op, id, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	run.result.Failures = append(run.result.Failures, ItemFailure{ID: id, Op: op, Err: err})
	run.log.Error("record failed", "id", id, "op", op, "error", err)
	return nil
}
