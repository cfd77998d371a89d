package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/prometheus/common/expfmt"

	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/observability"
	"github.com/aining777/grouped-history/internal/service"
)

type env struct {
	svc     *service.HistoryService
	metrics *observability.Metrics
	out     io.Writer
}

type command func(ctx context.Context, e *env, args []string) error

var commands = map[string]command{
	"groups":  listGroups,
	"create":  createGroup,
	"delete":  deleteGroup,
	"add":     addRecord,
	"records": listRecords,
	"remove":  removeRecords,
	"stats":   printStats,
}

func listGroups(_ context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	store := e.svc.Store()
	for name := range store.ListGroups() {
		fmt.Fprintf(e.out, "%s\t%d\n", name, store.RecordCount(name))
	}
	return nil
}

func createGroup(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return e.svc.CreateGroup(ctx, args[0])
}

func deleteGroup(ctx context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	return e.svc.DeleteGroup(ctx, args[0])
}

func addRecord(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return errUsage
	}
	request, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	var response []byte
	if len(args) == 3 {
		if response, err = os.ReadFile(args[2]); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
	}

	rec, err := domain.NewTransactionRecord(request, response)
	if err != nil {
		return err
	}
	added, err := e.svc.SendToGroup(ctx, args[0], rec)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s\t%s\n", args[0], added[0].Label())
	return nil
}

func listRecords(_ context.Context, e *env, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	name := args[0]
	if !e.svc.Store().HasGroup(name) {
		return fmt.Errorf("group %q: %w", name, domain.ErrGroupNotFound)
	}
	for i, rec := range e.svc.Store().ListRecords(name) {
		status := "-"
		if code, ok := rec.StatusCode(); ok {
			status = strconv.Itoa(code)
		}
		fmt.Fprintf(e.out, "%d\t%s\t%s\n", i, status, rec.Label())
	}
	return nil
}

func removeRecords(ctx context.Context, e *env, args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	name := args[0]
	if !e.svc.Store().HasGroup(name) {
		return fmt.Errorf("group %q: %w", name, domain.ErrGroupNotFound)
	}

	indices := make([]int, 0, len(args)-1)
	for _, arg := range args[1:] {
		i, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("%w: index %q is not a number", errUsage, arg)
		}
		indices = append(indices, i)
	}

	sel := e.svc.Selection()
	sel.SelectGroup(name)
	sel.Select(indices)
	removed, err := e.svc.RemoveSelected(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "removed %d\n", removed)
	return nil
}

func printStats(_ context.Context, e *env, args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	families, err := e.metrics.Registry().Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(e.out, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}
	return nil
}
