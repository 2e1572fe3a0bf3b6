// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: March 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"fleetmon/internal/ingest/telemetry/promwatch"
)

// Processor is one analytic consumer of persisted samples. Implementations
// must be independent: they may not observe or affect each other, and a
// failure in one is contained by the fan-out.
type Processor interface {
	// Name identifies the processor in logs and metrics.
	Name() string
	// Process consumes one persisted sample. It may query historical context
	// from the telemetry store and may emit alerts; it must tolerate samples
	// arriving out of timestamp order.
	Process(ctx context.Context, sample Sample, persistedID int64) error
}

// Fanout dispatches each persisted sample to every registered processor.
// The registry is an explicit list of processors, so the dispatch graph is
// statically inspectable; there is no discovery mechanism.
//
// Processors for the same sample run concurrently. Dispatch returns as soon
// as the invocations are scheduled; a slow processor slows only its own
// invocations. Every invocation is guarded: errors and panics are logged
// with (device, processor) context and never reach the caller or peers.
type Fanout struct {
	processors []Processor
	logger     log.Logger
	wg         sync.WaitGroup
}

// NewFanout creates a dispatcher over the given processors.
func NewFanout(logger log.Logger, processors ...Processor) *Fanout {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Fanout{processors: processors, logger: logger}
}

// Names returns the registered processor names in registration order.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.processors))
	for i, p := range f.processors {
		names[i] = p.Name()
	}
	return names
}

// Dispatch schedules one guarded invocation per processor and returns
// without waiting for them.
func (f *Fanout) Dispatch(ctx context.Context, sample Sample, persistedID int64) {
	for _, p := range f.processors {
		f.wg.Add(1)
		go func(p Processor) {
			defer f.wg.Done()
			f.invoke(ctx, p, sample, persistedID)
		}(p)
	}
}

// DispatchWait runs the fan-out and blocks until every processor finished.
// The synchronous ingest path uses it so that inline submissions observe
// their own alerts.
func (f *Fanout) DispatchWait(ctx context.Context, sample Sample, persistedID int64) {
	var wg sync.WaitGroup
	for _, p := range f.processors {
		wg.Add(1)
		go func(p Processor) {
			defer wg.Done()
			f.invoke(ctx, p, sample, persistedID)
		}(p)
	}
	wg.Wait()
}

// Drain blocks until all in-flight asynchronous invocations complete. Used
// during graceful shutdown after the worker pool stops.
func (f *Fanout) Drain() { f.wg.Wait() }

// invoke runs one processor with panic containment. A fault is logged and
// counted; it does not affect other processors or the pipeline.
func (f *Fanout) invoke(ctx context.Context, p Processor, sample Sample, persistedID int64) {
	defer func() {
		if r := recover(); r != nil {
			promwatch.RecordProcessorFailure(p.Name())
			level.Error(f.logger).Log(
				"msg", "processor panicked",
				"processor", p.Name(),
				"device", sample.DeviceID,
				"err", fmt.Sprintf("%v", r),
			)
		}
	}()
	if err := p.Process(ctx, sample, persistedID); err != nil {
		promwatch.RecordProcessorFailure(p.Name())
		level.Error(f.logger).Log(
			"msg", "processor failed",
			"processor", p.Name(),
			"device", sample.DeviceID,
			"err", err,
		)
	}
}
