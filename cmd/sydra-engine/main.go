// Copyright 2015 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The main package for the sydra-engine standalone binary: opens the
// storage/ingest core against a data directory, accepts points on stdin,
// and answers range queries, for smoke-testing the core outside of any
// embedding service.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the container cgroup quota on startup.

	"github.com/sydradb/sydra/config"
	"github.com/sydradb/sydra/engine"
	"github.com/sydradb/sydra/schema"
)

func main() {
	cfg := struct {
		dataDir         string
		flushInterval   time.Duration
		memtableMaxMB   int64
		retentionDays   int
		fsync           string
		walSegmentMB    int64
		queueCapacity   int
		timestampMillis bool
		logLevel        string
	}{}

	a := kingpin.New(filepath.Base(os.Args[0]), "The sydra storage/ingest engine")
	a.HelpFlag.Short('h')

	a.Flag("data-dir", "Base directory for WAL, manifest, and segment files.").
		Default("data/").StringVar(&cfg.dataDir)

	a.Flag("flush-interval", "Time-triggered memtable flush cadence.").
		Default("1m").DurationVar(&cfg.flushInterval)

	a.Flag("memtable.max-mb", "Size-triggered memtable flush threshold, in MiB.").
		Default("64").Int64Var(&cfg.memtableMaxMB)

	a.Flag("retention.days", "Global retention TTL in days; 0 disables retention.").
		Default("0").IntVar(&cfg.retentionDays)

	a.Flag("wal.fsync", "WAL fsync policy: always, interval, or none.").
		Default("interval").EnumVar(&cfg.fsync, "always", "interval", "none")

	a.Flag("wal.segment-mb", "WAL rotation threshold, in MiB.").
		Default("64").Int64Var(&cfg.walSegmentMB)

	a.Flag("queue.capacity", "Bounded ingest queue capacity.").
		Default("4096").IntVar(&cfg.queueCapacity)

	a.Flag("timestamp.millis", "Treat ingested timestamps as milliseconds instead of seconds.").
		Default("false").BoolVar(&cfg.timestampMillis)

	a.Flag("log.level", "Minimum log level: debug, info, warn, or error.").
		Default("info").EnumVar(&cfg.logLevel, "debug", "info", "warn", "error")

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, errors.Wrap(err, "error parsing commandline arguments"))
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := newLogger(cfg.logLevel)

	econf := config.Default()
	econf.DataDir = cfg.dataDir
	econf.FlushInterval = cfg.flushInterval
	econf.MemtableMaxBytes = cfg.memtableMaxMB << 20
	econf.RetentionDays = cfg.retentionDays
	econf.WALSegmentBytes = cfg.walSegmentMB << 20
	econf.QueueCapacity = cfg.queueCapacity
	econf.Logger = logger
	if cfg.timestampMillis {
		econf.TimestampUnit = config.UnitMillis
	}
	switch cfg.fsync {
	case "always":
		econf.Fsync = config.FsyncAlways
	case "none":
		econf.Fsync = config.FsyncNone
	default:
		econf.Fsync = config.FsyncInterval
	}

	e, err := engine.Open(econf)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open engine", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "sydra-engine started", "data_dir", cfg.dataDir)

	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				select {
				case <-term:
					level.Warn(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		stop := make(chan struct{})
		g.Add(
			func() error {
				return serveStdin(e, logger, stop)
			},
			func(error) {
				close(stop)
			},
		)
	}

	if err := g.Run(); err != nil {
		level.Warn(logger).Log("msg", "run group exited", "err", err)
	}

	if err := e.Shutdown(); err != nil {
		level.Error(logger).Log("msg", "engine shutdown failed", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "sydra-engine stopped cleanly")
}

// serveStdin reads whitespace-separated "series_id ts value" ingest lines or
// "query series_id start end" commands from stdin until EOF or stop fires.
// It exists purely to exercise Ingest/QueryRange from a terminal for manual
// smoke testing; it is not a wire protocol.
func serveStdin(e *engine.Engine, logger log.Logger, stop <-chan struct{}) error {
	ctx := context.Background()
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-stop:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, e, line); err != nil {
				level.Warn(logger).Log("msg", "command failed", "line", line, "err", err)
			}
		}
	}
}

func handleLine(ctx context.Context, e *engine.Engine, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	if fields[0] == "query" {
		if len(fields) != 4 {
			return errors.New("usage: query series_id start end")
		}
		sid, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse series_id")
		}
		start, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse start")
		}
		end, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse end")
		}
		out, err := e.QueryRange(schema.SeriesId(sid), start, end, nil)
		if err != nil {
			return errors.Wrap(err, "query_range")
		}
		for _, p := range out {
			fmt.Printf("%d %d %g\n", sid, p.Ts, p.Value)
		}
		return nil
	}

	if len(fields) != 3 {
		return errors.New("usage: series_id ts value")
	}
	sid, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return errors.Wrap(err, "parse series_id")
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return errors.Wrap(err, "parse ts")
	}
	value, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return errors.Wrap(err, "parse value")
	}
	return e.Ingest(ctx, schema.SeriesId(sid), ts, value)
}

func newLogger(levelName string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var lvl level.Option
	switch levelName {
	case "debug":
		lvl = level.AllowDebug()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		lvl = level.AllowInfo()
	}
	return level.NewFilter(logger, lvl)
}
