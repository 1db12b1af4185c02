package slicer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cirrusslice/internal/cirrus"
	"cirrusslice/internal/diag"
	"cirrusslice/pkg/contract"
)

// Load 将已切好的批量文件逐个作为一批交付 Sink（不调用 Prepare）。
// files 的顺序即批号顺序。
func Load(ctx context.Context, src contract.Source, sink contract.Sink, files []string, logger *diag.Logger) (Report, error) {
	var rep Report
	if src == nil || sink == nil {
		return rep, fmt.Errorf("sanity: nil source or sink: %w", contract.ErrInvalidInput)
	}
	t0 := time.Now()
	term := diag.GetTerminal()
	term.RunStart("load", "", len(files))
	obs := &observedSink{next: sink, logger: logger}
	var err error
	for i, f := range files {
		obs.dump = f
		var recs []contract.Record
		recs, err = readAll(ctx, src, f, logger)
		if err != nil {
			break
		}
		rep.Docs += int64(len(recs))
		if err = obs.Write(ctx, contract.Batch{Seq: i, Planned: len(files), Records: recs}); err != nil {
			break
		}
		rep.Batches++
		rep.Found += int64(len(recs))
	}
	if c, ok := sink.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("sink close: %w", cerr)
		}
	}
	term.RunFinish(err == nil, time.Since(t0), rep.Found, 0)
	if err == nil {
		logger.InfoFinish("slicer", "load", t0, rep.Found)
	}
	return rep, err
}

func readAll(ctx context.Context, src contract.Source, path string, logger *diag.Logger) ([]contract.Record, error) {
	rc, err := src.Open(ctx, path)
	if err != nil {
		diag.Report(logger, "source", "open failed", path, "", err)
		return nil, fmt.Errorf("source open: %w", err)
	}
	defer rc.Close()
	sc := cirrus.NewScanner(rc, cirrus.Options{Raw: true, Dump: path, Logger: logger})
	var recs []contract.Record
	for {
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			return recs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		recs = append(recs, rec)
	}
}
