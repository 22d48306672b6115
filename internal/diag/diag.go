// Copyright (c) 2024 The Nanocc Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package diag is the diagnostic taxonomy this core reports through: four
// buckets (syntax/type, unrepresentable initializer, ABI overflow,
// assertion), each either recoverable (compilation keeps going, up to a
// threshold) or fatal (aborts immediately). Replaces the teacher's bare
// fmt.Printf phase tracing and os.Exit(1) aborts with wrapped errors and
// structured logging.
package diag

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Bucket is the closed diagnostic category set from spec.md §7.
type Bucket int

const (
	BucketSyntaxType Bucket = iota
	BucketUnrepresentableInit
	BucketABIOverflow
	BucketAssertion
)

func (b Bucket) String() string {
	switch b {
	case BucketSyntaxType:
		return "syntax/type"
	case BucketUnrepresentableInit:
		return "unrepresentable-initializer"
	case BucketABIOverflow:
		return "abi-overflow"
	case BucketAssertion:
		return "assertion"
	default:
		return "unknown"
	}
}

// Diagnostic is one reported problem, classified and positioned.
type Diagnostic struct {
	Bucket  Bucket
	Message string
	Fatal   bool
	cause   error
}

func (d *Diagnostic) Error() string {
	if d.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", d.Bucket, d.Message, d.cause)
	}
	return fmt.Sprintf("[%s] %s", d.Bucket, d.Message)
}

func (d *Diagnostic) Unwrap() error { return d.cause }

func New(b Bucket, fatal bool, format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{Bucket: b, Fatal: fatal, Message: fmt.Sprintf(format, args...)}
}

func Wrap(b Bucket, fatal bool, cause error, format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{Bucket: b, Fatal: fatal, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Threshold is the default non-fatal error budget (spec.md §5): once this
// many non-fatal diagnostics have been recorded, compilation aborts even if
// none individually was marked Fatal.
const Threshold = 25

// Sink accumulates diagnostics for one cctx.Context and decides when
// the error budget is exhausted.
type Sink struct {
	Threshold int
	log       *zap.SugaredLogger

	diags []*Diagnostic
}

func NewSink(log *zap.SugaredLogger) *Sink {
	return &Sink{Threshold: Threshold, log: log}
}

// Report records d, logs it, and returns a wrapped error to propagate if d
// is fatal or the non-fatal budget is now exhausted; returns nil otherwise
// so callers can keep going.
func (s *Sink) Report(d *Diagnostic) error {
	s.diags = append(s.diags, d)
	if s.log != nil {
		s.log.Warnw("diagnostic", "bucket", d.Bucket.String(), "message", d.Message, "fatal", d.Fatal)
	}
	if d.Fatal {
		return errors.Wrap(d, "fatal diagnostic")
	}
	if len(s.diags) >= s.Threshold {
		return errors.Wrapf(d, "too many errors (>= %d), aborting", s.Threshold)
	}
	return nil
}

func (s *Sink) Count() int              { return len(s.diags) }
func (s *Sink) All() []*Diagnostic      { return s.diags }
func (s *Sink) HasErrors() bool         { return len(s.diags) > 0 }
