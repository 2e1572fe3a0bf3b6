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

package alert

import (
	"context"
	"encoding/json"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Publisher receives each newly created alert, e.g. to forward it onto a
// message bus or an audit file. Publication is best-effort and must not
// block the engine for long; implementations should be bounded in latency.
//
// We intentionally avoid importing a specific broker client here; wire a
// real producer behind this interface where your deployment needs one.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// LoggingPublisher writes each alert to the service log. It is the default
// publisher when no sink is configured and doubles as a dependency-free way
// to observe alert flow in development.
type LoggingPublisher struct {
	Logger log.Logger
}

func (p LoggingPublisher) Publish(_ context.Context, a Alert) error {
	logger := p.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	level.Info(logger).Log("msg", "alert created", "alert", string(payload))
	return nil
}
