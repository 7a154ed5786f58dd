package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitRejected = 2
	exitFailed   = 3
	exitExpired  = 4
)

// commandError carries the exit code and the request the failure is about.
type commandError struct {
	code      int
	pipeline  settlement.Pipeline
	requestID *big.Int
	err       error
}

func (e *commandError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *commandError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitError
}

type errorReport struct {
	RequestID string `json:"requestId,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error"`
}

// reportError writes err to w as one JSON line.
func reportError(w io.Writer, err error) {
	report := errorReport{Error: err.Error()}

	var ce *commandError
	if errors.As(err, &ce) {
		if ce.pipeline != 0 {
			report.Pipeline = ce.pipeline.String()
		}
		if ce.requestID != nil {
			report.RequestID = ce.requestID.String()
		}
	}
	var se *settlement.Error
	if errors.As(err, &se) {
		report.Kind = se.Kind.String()
		report.Reason = se.Reason
		if report.Pipeline == "" && se.Pipeline != 0 {
			report.Pipeline = se.Pipeline.String()
		}
		if report.RequestID == "" && se.RequestID != nil {
			report.RequestID = se.RequestID.String()
		}
	}
	_ = json.NewEncoder(w).Encode(report)
}
