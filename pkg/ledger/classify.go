package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// Classifier maps node and revert errors onto the settlement taxonomy.
type Classifier struct {
	pipeline settlement.Pipeline
	abi      abi.ABI
	kinds    map[string]settlement.ErrorKind
}

// NewClassifier builds the classifier for one pipeline's settlement contract.
func NewClassifier(p settlement.Pipeline) (*Classifier, error) {
	names, err := namesFor(p)
	if err != nil {
		return nil, err
	}
	parsed, err := parseABI(names.abiJSON())
	if err != nil {
		return nil, err
	}
	return &Classifier{pipeline: p, abi: parsed, kinds: names.errorKinds()}, nil
}

// Classify converts err into a *settlement.Error. Anything it does not recognise is
// transient: an unknown failure must never be treated as success or as final.
func (c *Classifier) Classify(id *big.Int, err error) error {
	if err == nil {
		return nil
	}
	var se *settlement.Error
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return settlement.NewError(settlement.KindTransient, c.pipeline, id, "", err)
	}

	if name, reason, ok := c.decodeRevert(err); ok {
		if kind, found := c.kinds[name]; found {
			return settlement.NewError(kind, c.pipeline, id, reason, err)
		}
		return settlement.NewError(kindFromReason(reason), c.pipeline, id, reason, err)
	}

	// Some nodes only return the error name in the message.
	msg := err.Error()
	for name, kind := range c.kinds {
		if strings.Contains(msg, name) {
			return settlement.NewError(kind, c.pipeline, id, name, err)
		}
	}
	if reason, ok := strings.CutPrefix(msg, "execution reverted: "); ok {
		return settlement.NewError(kindFromReason(reason), c.pipeline, id, reason, err)
	}
	return settlement.NewError(settlement.KindTransient, c.pipeline, id, "", err)
}

// decodeRevert extracts a custom error name or a revert string from JSON-RPC error data.
func (c *Classifier) decodeRevert(err error) (name, reason string, ok bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return "", "", false
	}
	data, ok := revertData(de.ErrorData())
	if !ok || len(data) < 4 {
		return "", "", false
	}
	for errName, abiErr := range c.abi.Errors {
		if !bytes.Equal(abiErr.ID[:4], data[:4]) {
			continue
		}
		reason = errName
		if args, uerr := abiErr.Unpack(data); uerr == nil {
			reason = fmt.Sprintf("%s%v", errName, args)
		}
		return errName, reason, true
	}
	if msg, uerr := abi.UnpackRevert(data); uerr == nil {
		return "", msg, true
	}
	return "", "", false
}

func revertData(v interface{}) ([]byte, bool) {
	switch d := v.(type) {
	case string:
		b, err := hexutil.Decode(d)
		return b, err == nil
	case []byte:
		return d, true
	default:
		return nil, false
	}
}

func kindFromReason(reason string) settlement.ErrorKind {
	r := strings.ToLower(reason)
	switch {
	case strings.Contains(r, "not pending"), strings.Contains(r, "already settled"):
		return settlement.KindAlreadyProcessed
	case strings.Contains(r, "already"):
		return settlement.KindAlreadyExists
	case strings.Contains(r, "not winning"), strings.Contains(r, "invalid game"),
		strings.Contains(r, "mismatch"), strings.Contains(r, "invalid bet"):
		return settlement.KindDataIntegrity
	default:
		return settlement.KindTransient
	}
}
