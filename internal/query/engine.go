package query

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/offsite-dev/replica/internal/backend"
	"github.com/offsite-dev/replica/internal/registry"
)

// tableEnsurer is the optional capability for creating a store's table ahead
// of querying it. The SQL engine exposes it; generated SQL against a table
// that lazy creation has not reached yet would otherwise fail.
type tableEnsurer interface {
	EnsureStore(ctx context.Context, store string) error
}

// Engine evaluates Specs against a storage backend, choosing the strategy
// per call: generated SQL when the backend exposes SQLRunner, in-memory
// evaluation otherwise. Both strategies produce identical results.
type Engine struct {
	reg    *registry.Registry
	store  backend.Store
	logger *log.Logger
}

// NewEngine creates a query engine over a backend.
func NewEngine(reg *registry.Registry, store backend.Store, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[query] ", log.LstdFlags)
	}
	return &Engine{reg: reg, store: store, logger: logger}
}

// Evaluate runs a Spec against one entity store.
func (e *Engine) Evaluate(ctx context.Context, storeName string, spec Spec) (Result, error) {
	desc, ok := e.reg.Lookup(storeName)
	if !ok {
		return Result{}, fmt.Errorf("unknown entity store %q", storeName)
	}

	if runner, ok := e.store.(backend.SQLRunner); ok {
		return e.evaluateSQL(ctx, desc, spec, runner)
	}
	return e.evaluateMemory(ctx, desc, spec)
}

func (e *Engine) evaluateSQL(ctx context.Context, desc registry.Descriptor, spec Spec, runner backend.SQLRunner) (Result, error) {
	if ens, ok := e.store.(tableEnsurer); ok {
		if err := ens.EnsureStore(ctx, desc.StoreName); err != nil {
			return Result{}, err
		}
		if spec.TextSearch != nil {
			for _, j := range spec.TextSearch.Joins {
				if err := ens.EnsureStore(ctx, j.Store); err != nil {
					return Result{}, err
				}
			}
		}
	}

	compiled, err := Compile(desc, spec, e.reg)
	if err != nil {
		return Result{}, err
	}

	rows, err := runner.QuerySQL(ctx, compiled.Query, compiled.Args...)
	if err != nil {
		return Result{}, err
	}
	countRows, err := runner.QuerySQL(ctx, compiled.CountQuery, compiled.CountArgs...)
	if err != nil {
		return Result{}, err
	}

	total := len(rows)
	if len(countRows) == 1 {
		if n, ok := valueFloat(countRows[0]["total"]); ok {
			total = int(n)
		}
	}
	return Result{Rows: rows, TotalCount: total}, nil
}

func (e *Engine) evaluateMemory(ctx context.Context, desc registry.Descriptor, spec Spec) (Result, error) {
	rows, err := e.loadCandidates(ctx, desc, spec)
	if err != nil {
		return Result{}, err
	}

	joins := make(map[TextJoin]JoinIndex)
	if spec.TextSearch != nil {
		for _, j := range spec.TextSearch.Joins {
			idx, err := e.buildJoinIndex(ctx, j)
			if err != nil {
				return Result{}, err
			}
			joins[j] = idx
		}
	}
	return evaluateRows(rows, spec, joins), nil
}

// loadCandidates narrows the scan before filtering. An equality match on the
// primary key pins the candidate set to at most one row via a point lookup;
// everything else falls back to the full scan, since the key-value backend
// keeps no secondary indexes. The remaining clauses still run over the
// result, so semantics never depend on the narrowing.
func (e *Engine) loadCandidates(ctx context.Context, desc registry.Descriptor, spec Spec) ([]backend.Row, error) {
	if want, ok := spec.Equality[desc.PrimaryKey()]; ok && want != nil {
		row, err := e.store.Get(ctx, desc.StoreName, want)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		return []backend.Row{row}, nil
	}
	return e.store.GetAll(ctx, desc.StoreName)
}

func (e *Engine) buildJoinIndex(ctx context.Context, j TextJoin) (JoinIndex, error) {
	joined, ok := e.reg.Lookup(j.Store)
	if !ok {
		return nil, fmt.Errorf("text search joins unknown store %q", j.Store)
	}
	rows, err := e.store.GetAll(ctx, j.Store)
	if err != nil {
		return nil, err
	}

	idx := make(JoinIndex, len(rows))
	pk := joined.PrimaryKey()
	for _, row := range rows {
		if row[pk] == nil || row[j.MatchField] == nil {
			continue
		}
		idx[backend.KeyString(row[pk])] = valueString(row[j.MatchField])
	}
	return idx, nil
}
