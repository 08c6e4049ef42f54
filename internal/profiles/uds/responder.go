package uds

import "sync"

// Responder plays the server side of the User Control Point: it registers
// users with increasing indexes and checks consent codes. The simulator
// uses it to answer control point writes.
type Responder struct {
	mu      sync.Mutex
	consent map[uint8]uint16
	next    uint8
}

// NewResponder returns a responder with no registered users.
func NewResponder() *Responder {
	return &Responder{consent: make(map[uint8]uint16)}
}

// Reply returns the indication for a written control point value.
func (r *Responder) Reply(written []byte) []byte {
	var op Opcode
	if len(written) > 0 {
		op = Opcode(written[0])
	}
	req, err := DecodeControlPointRequest(written)
	if err != nil {
		result := ResultInvalidParameter
		switch op {
		case OpRegisterNewUser, OpConsent, OpDeleteUserData:
		default:
			result = ResultOpNotSupported
		}
		return EncodeControlPointResponse(ControlPointResponse{RequestOp: op, Result: result})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	resp := ControlPointResponse{RequestOp: req.Op, Result: ResultSuccess}
	switch req.Op {
	case OpRegisterNewUser:
		if r.next == 0xFF {
			resp.Result = ResultOperationFailed
			break
		}
		r.consent[r.next] = req.ConsentCode
		resp.UserIndex, resp.HasUserIndex = r.next, true
		r.next++
	case OpConsent:
		code, ok := r.consent[req.UserIndex]
		if !ok || code != req.ConsentCode {
			resp.Result = ResultUserNotAuthorized
		}
	case OpDeleteUserData:
		// deletes the current user; the simulator has no session user
	}
	return EncodeControlPointResponse(resp)
}
