package uds

import (
	"encoding/binary"
	"fmt"
)

// Opcode is a User Control Point operation.
type Opcode uint8

const (
	OpRegisterNewUser Opcode = 0x01
	OpConsent         Opcode = 0x02
	OpDeleteUserData  Opcode = 0x03
	OpResponseCode    Opcode = 0x20
)

func (o Opcode) String() string {
	switch o {
	case OpRegisterNewUser:
		return "register new user"
	case OpConsent:
		return "consent"
	case OpDeleteUserData:
		return "delete user data"
	case OpResponseCode:
		return "response code"
	}
	return fmt.Sprintf("opcode 0x%02x", uint8(o))
}

// Result is the response value of a User Control Point procedure.
type Result uint8

const (
	ResultSuccess           Result = 0x01
	ResultOpNotSupported    Result = 0x02
	ResultInvalidParameter  Result = 0x03
	ResultOperationFailed   Result = 0x04
	ResultUserNotAuthorized Result = 0x05
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultOpNotSupported:
		return "op code not supported"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultOperationFailed:
		return "operation failed"
	case ResultUserNotAuthorized:
		return "user not authorized"
	}
	return fmt.Sprintf("result 0x%02x", uint8(r))
}

// ConsentCodeMax is the largest consent code a user may choose.
const ConsentCodeMax uint16 = 0x270F

// MaxControlPointLen bounds a control point value.
const MaxControlPointLen = 20

// ControlPointRequest is a User Control Point write.
type ControlPointRequest struct {
	Op          Opcode
	UserIndex   uint8
	ConsentCode uint16
}

// EncodeControlPoint packs a control point request.
func EncodeControlPoint(req ControlPointRequest) ([]byte, error) {
	switch req.Op {
	case OpRegisterNewUser:
		if req.ConsentCode > ConsentCodeMax {
			return nil, fmt.Errorf("uds: consent code %d above %d", req.ConsentCode, ConsentCodeMax)
		}
		return binary.LittleEndian.AppendUint16([]byte{byte(req.Op)}, req.ConsentCode), nil
	case OpConsent:
		if req.ConsentCode > ConsentCodeMax {
			return nil, fmt.Errorf("uds: consent code %d above %d", req.ConsentCode, ConsentCodeMax)
		}
		return binary.LittleEndian.AppendUint16([]byte{byte(req.Op), req.UserIndex}, req.ConsentCode), nil
	case OpDeleteUserData:
		return []byte{byte(req.Op)}, nil
	}
	return nil, fmt.Errorf("uds: cannot encode %s", req.Op)
}

// DecodeControlPointRequest unpacks and checks a control point request.
func DecodeControlPointRequest(b []byte) (ControlPointRequest, error) {
	if len(b) == 0 || len(b) > MaxControlPointLen {
		return ControlPointRequest{}, fmt.Errorf("uds: control point request is %d bytes", len(b))
	}
	req := ControlPointRequest{Op: Opcode(b[0])}
	switch req.Op {
	case OpRegisterNewUser:
		if len(b) != 3 {
			return ControlPointRequest{}, fmt.Errorf("uds: %s takes 2 parameter bytes, got %d", req.Op, len(b)-1)
		}
		req.ConsentCode = binary.LittleEndian.Uint16(b[1:])
	case OpConsent:
		if len(b) != 4 {
			return ControlPointRequest{}, fmt.Errorf("uds: %s takes 3 parameter bytes, got %d", req.Op, len(b)-1)
		}
		req.UserIndex = b[1]
		req.ConsentCode = binary.LittleEndian.Uint16(b[2:])
	case OpDeleteUserData:
		if len(b) != 1 {
			return ControlPointRequest{}, fmt.Errorf("uds: %s takes no parameters", req.Op)
		}
	default:
		return ControlPointRequest{}, fmt.Errorf("uds: unsupported %s", req.Op)
	}
	if req.ConsentCode > ConsentCodeMax {
		return ControlPointRequest{}, fmt.Errorf("uds: consent code %d above %d", req.ConsentCode, ConsentCodeMax)
	}
	return req, nil
}

// ControlPointResponse is the indication that ends a control point procedure.
type ControlPointResponse struct {
	RequestOp    Opcode
	Result       Result
	UserIndex    uint8
	HasUserIndex bool
}

// DecodeControlPointResponse unpacks a control point indication. Only a
// successful registration carries a parameter, the new user index.
func DecodeControlPointResponse(b []byte) (ControlPointResponse, error) {
	if len(b) < 3 {
		return ControlPointResponse{}, fmt.Errorf("uds: control point response is %d bytes, want at least 3", len(b))
	}
	if Opcode(b[0]) != OpResponseCode {
		return ControlPointResponse{}, fmt.Errorf("uds: control point response starts with %s", Opcode(b[0]))
	}
	resp := ControlPointResponse{RequestOp: Opcode(b[1]), Result: Result(b[2])}
	if len(b) > 3 && resp.RequestOp == OpRegisterNewUser && resp.Result == ResultSuccess {
		resp.UserIndex, resp.HasUserIndex = b[3], true
	}
	return resp, nil
}

// EncodeControlPointResponse packs a control point indication.
func EncodeControlPointResponse(resp ControlPointResponse) []byte {
	b := []byte{byte(OpResponseCode), byte(resp.RequestOp), byte(resp.Result)}
	if resp.HasUserIndex {
		b = append(b, resp.UserIndex)
	}
	return b
}
