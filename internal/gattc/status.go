package gattc

import (
	"errors"
	"fmt"
)

// ATTStatus is an ATT error code reported by the transport. Zero means success.
type ATTStatus uint8

// ATT error codes (Core Spec Vol 3, Part F, 3.4.1.1).
const (
	StatusSuccess           ATTStatus = 0x00
	StatusInvalidHandle     ATTStatus = 0x01
	StatusReadNotPermitted  ATTStatus = 0x02
	StatusWriteNotPermitted ATTStatus = 0x03
	StatusInvalidPDU        ATTStatus = 0x04
	StatusAuthentication    ATTStatus = 0x05
	StatusReqNotSupported   ATTStatus = 0x06
	StatusInvalidOffset     ATTStatus = 0x07
	StatusAuthorization     ATTStatus = 0x08
	StatusPrepQueueFull     ATTStatus = 0x09
	StatusAttrNotFound      ATTStatus = 0x0a
	StatusAttrNotLong       ATTStatus = 0x0b
	StatusInsuffEncKeySize  ATTStatus = 0x0c
	StatusInvalAttrValueLen ATTStatus = 0x0d
	StatusUnlikely          ATTStatus = 0x0e
	StatusInsuffEnc         ATTStatus = 0x0f
	StatusUnsuppGrpType     ATTStatus = 0x10
	StatusInsuffResources   ATTStatus = 0x11
)

var statusNames = map[ATTStatus]string{
	StatusSuccess:           "success",
	StatusInvalidHandle:     "invalid handle",
	StatusReadNotPermitted:  "read not permitted",
	StatusWriteNotPermitted: "write not permitted",
	StatusInvalidPDU:        "invalid PDU",
	StatusAuthentication:    "insufficient authentication",
	StatusReqNotSupported:   "request not supported",
	StatusInvalidOffset:     "invalid offset",
	StatusAuthorization:     "insufficient authorization",
	StatusPrepQueueFull:     "prepare queue full",
	StatusAttrNotFound:      "attribute not found",
	StatusAttrNotLong:       "attribute not long",
	StatusInsuffEncKeySize:  "insufficient encryption key size",
	StatusInvalAttrValueLen: "invalid attribute value length",
	StatusUnlikely:          "unlikely error",
	StatusInsuffEnc:         "insufficient encryption",
	StatusUnsuppGrpType:     "unsupported group type",
	StatusInsuffResources:   "insufficient resources",
}

func (s ATTStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status 0x%02x", uint8(s))
}

// Engine-detected failures. Responses carry these (possibly wrapped with
// detail) in their Err field; compare with errors.Is.
var (
	ErrRequestDisallowed     = errors.New("gattc: request disallowed")
	ErrAlreadyActive         = errors.New("gattc: connection already active")
	ErrHandleNotFound        = errors.New("gattc: handle not found")
	ErrServiceNotFound       = errors.New("gattc: service not found")
	ErrMultipleServicesFound = errors.New("gattc: multiple services found")
	ErrCharacteristicMissing = errors.New("gattc: characteristic missing")
	ErrDescriptorMissing     = errors.New("gattc: descriptor missing")
	ErrInvalidParameter      = errors.New("gattc: invalid parameter")
	ErrImproperlyConfigured  = errors.New("gattc: improperly configured")
	ErrProcedureTimeout      = errors.New("gattc: procedure timeout")
)

// TransportError carries a status reported by the transport verbatim.
type TransportError struct {
	Status ATTStatus
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gattc: transport: %s (0x%02x)", e.Status, uint8(e.Status))
}

// transportErr returns nil for StatusSuccess and a *TransportError otherwise.
func transportErr(s ATTStatus) error {
	if s == StatusSuccess {
		return nil
	}
	return &TransportError{Status: s}
}

// StatusOf extracts the transport status carried by err. It reports
// StatusSuccess for a nil error and ok=false when err did not come from the
// transport.
func StatusOf(err error) (status ATTStatus, ok bool) {
	if err == nil {
		return StatusSuccess, true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status, true
	}
	return 0, false
}
