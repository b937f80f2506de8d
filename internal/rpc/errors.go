package rpc

import (
	"errors"

	"github.com/Klingon-tech/satsend/internal/coinselect"
	walleterr "github.com/Klingon-tech/satsend/pkg/errors"
)

// Application error codes, in the JSON-RPC server-error range.
const (
	InsufficientFunds       = -32001
	Busy                    = -32002
	CollaboratorUnavailable = -32003
	PendingNotFound         = -32004
	InvalidState            = -32005
	SignatureInvalid        = -32006
	TxNotFound              = -32007
)

// ErrorData is the data member of application errors.
type ErrorData struct {
	Code      string            `json:"code"`
	Details   map[string]string `json:"details,omitempty"`
	Required  int64             `json:"required,omitempty"`
	Available int64             `json:"available,omitempty"`
}

var codeTable = map[string]int{
	walleterr.ErrInvalidInput.Code:              InvalidParams,
	walleterr.ErrInvalidSeed.Code:               InvalidParams,
	walleterr.ErrInvalidKeyEncoding.Code:        InvalidParams,
	walleterr.ErrInvalidAddress.Code:            InvalidParams,
	walleterr.ErrInvalidSignatureLength.Code:    InvalidParams,
	walleterr.ErrInsufficientFunds.Code:         InsufficientFunds,
	walleterr.ErrBusy.Code:                      Busy,
	walleterr.ErrCollaboratorUnavailable.Code:   CollaboratorUnavailable,
	walleterr.ErrPendingNotFound.Code:           PendingNotFound,
	walleterr.ErrInvalidState.Code:              InvalidState,
	walleterr.ErrSignatureValidationFailed.Code: SignatureInvalid,
	walleterr.ErrTxNotFound.Code:                TxNotFound,
}

// toRPCError maps a coded error to a JSON-RPC error. Uncoded errors are
// internal errors.
func toRPCError(err error) *Error {
	code := walleterr.Code(err)
	rpcCode, ok := codeTable[code]
	if !ok {
		return &Error{Code: InternalError, Message: err.Error()}
	}

	data := &ErrorData{Code: code}
	var coded *walleterr.Error
	if errors.As(err, &coded) {
		data.Details = coded.Details
	}
	var insufficient *coinselect.InsufficientFundsError
	if errors.As(err, &insufficient) {
		data.Required = int64(insufficient.Required)
		data.Available = int64(insufficient.Available)
	}

	return &Error{Code: rpcCode, Message: err.Error(), Data: data}
}
