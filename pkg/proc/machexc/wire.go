package machexc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Message ids of the mach_exc subsystem. Replies use the request id plus
// replyIDOffset.
const (
	RaiseID              int32 = 2405
	RaiseStateID         int32 = 2406
	RaiseStateIdentityID int32 = 2407

	replyIDOffset = 100
)

// DeadNameID is the id of MACH_NOTIFY_DEAD_NAME, sent when the target
// task port dies.
const DeadNameID int32 = 0110

// InterruptID is the id of the wake-up message the controller sends to its
// own exception port to stop the relay loop. It lies outside every kernel
// subsystem range.
const InterruptID int32 = 0x150a7e

const (
	// HeaderSize is sizeof(mach_msg_header_t).
	HeaderSize = 24
	// ReplySize is sizeof(mig_reply_error_t), the reply of every routine
	// that does not return thread state.
	ReplySize = HeaderSize + ndrSize + 4

	ndrSize        = 8
	bodySize       = 4
	portDescSize   = 12
	maxCodes       = 2
	codeSize       = 8
	threadStateMax = 1296

	// RaiseRequestMaxSize is the size of a raise request carrying two codes.
	RaiseRequestMaxSize = raiseCodesOffset + maxCodes*codeSize

	// MaxRequestSize bounds every mach_exc request, trailer excluded.
	MaxRequestSize = raiseCodesOffset + maxCodes*codeSize + 8 + threadStateMax*4

	raiseCodesOffset = HeaderSize + bodySize + 2*portDescSize + ndrSize + 8
	stateCodesOffset = HeaderSize + ndrSize + 8
)

// Header bits of mach_msg_header_t.
const (
	MsgBitsComplex    uint32 = 0x80000000
	msgBitsRemoteMask uint32 = 0x1f

	MsgTypeMoveSend     uint32 = 17
	MsgTypeMoveSendOnce uint32 = 18
	MsgTypeCopySend     uint32 = 19
	MsgTypeMakeSend     uint32 = 20
	MsgTypeMakeSendOnce uint32 = 21

	portDescriptorType = 0
)

// ndrRecord is NDR_record: little endian integers, ASCII, IEEE floats.
var ndrRecord = [ndrSize]byte{0, 0, 0, 0, 1, 0, 0, 0}

var le = binary.LittleEndian

// ErrShortMessage is returned when a buffer is smaller than its header
// claims or than the routine requires.
var ErrShortMessage = errors.New("mach message too short")

// Header mirrors mach_msg_header_t.
type Header struct {
	Bits       uint32
	Size       uint32
	RemotePort uint32
	LocalPort  uint32
	Voucher    uint32
	ID         int32
}

// DecodeHeader reads the header at the start of msg.
func DecodeHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderSize {
		return Header{}, ErrShortMessage
	}
	return Header{
		Bits:       le.Uint32(msg[0:]),
		Size:       le.Uint32(msg[4:]),
		RemotePort: le.Uint32(msg[8:]),
		LocalPort:  le.Uint32(msg[12:]),
		Voucher:    le.Uint32(msg[16:]),
		ID:         int32(le.Uint32(msg[20:])),
	}, nil
}

// Put writes h at the start of buf.
func (h Header) Put(buf []byte) {
	le.PutUint32(buf[0:], h.Bits)
	le.PutUint32(buf[4:], h.Size)
	le.PutUint32(buf[8:], h.RemotePort)
	le.PutUint32(buf[12:], h.LocalPort)
	le.PutUint32(buf[16:], h.Voucher)
	le.PutUint32(buf[20:], uint32(h.ID))
}

// Body returns the message bytes covered by the header size, trailer
// excluded.
func Body(msg []byte) ([]byte, Header, error) {
	h, err := DecodeHeader(msg)
	if err != nil {
		return nil, h, err
	}
	if int(h.Size) < HeaderSize || int(h.Size) > len(msg) {
		return nil, h, ErrShortMessage
	}
	return msg[:h.Size], h, nil
}

// Serve decodes the request in msg, calls the matching method of h and
// encodes the reply into reply, which must be at least ReplySize bytes
// (ReplySize+8+4*1296 for state routines to carry a new state).
// It returns the number of reply bytes populated and the return code
// placed in the reply. A non-nil error means the request could not be
// decoded; the reply then carries MIG_BAD_ID or MIG_BAD_ARGUMENTS.
func Serve(msg, reply []byte, h Handler) (int, KernReturn, error) {
	if len(reply) < ReplySize {
		return 0, MigBadArguments, fmt.Errorf("reply buffer of %d bytes: %w", len(reply), ErrShortMessage)
	}
	body, hdr, err := Body(msg)
	if err != nil {
		return 0, MigBadArguments, err
	}

	var rc KernReturn
	switch hdr.ID {
	case RaiseID:
		var e *Exception
		e, err = decodeRaise(body, true)
		if err != nil {
			rc = MigBadArguments
			break
		}
		rc = h.CatchRaise(e)
	case RaiseStateID, RaiseStateIdentityID:
		var e *StateException
		e, err = decodeState(body, hdr.ID == RaiseStateIdentityID)
		if err != nil {
			rc = MigBadArguments
			break
		}
		if hdr.ID == RaiseStateID {
			rc = h.CatchRaiseState(e)
		} else {
			rc = h.CatchRaiseStateIdentity(e)
		}
		if rc == KernSuccess {
			return putStateReply(reply, hdr, e)
		}
	default:
		rc = MigBadID
		err = fmt.Errorf("unknown message id %d", hdr.ID)
	}

	putReplyHeader(reply, hdr, ReplySize)
	le.PutUint32(reply[HeaderSize+ndrSize:], uint32(rc))
	return ReplySize, rc, err
}

// Fail encodes into reply a reply to msg carrying rc, without decoding
// the request body. It is used to resolve a request the controller could
// not get to handle.
func Fail(msg, reply []byte, rc KernReturn) (int, error) {
	if len(reply) < ReplySize {
		return 0, fmt.Errorf("reply buffer of %d bytes: %w", len(reply), ErrShortMessage)
	}
	_, hdr, err := Body(msg)
	if err != nil {
		return 0, err
	}
	putReplyHeader(reply, hdr, ReplySize)
	le.PutUint32(reply[HeaderSize+ndrSize:], uint32(rc))
	return ReplySize, nil
}

func putReplyHeader(reply []byte, req Header, size int) {
	Header{
		Bits:       req.Bits & msgBitsRemoteMask,
		Size:       uint32(size),
		RemotePort: req.RemotePort,
		ID:         req.ID + replyIDOffset,
	}.Put(reply)
	copy(reply[HeaderSize:], ndrRecord[:])
}

func putStateReply(reply []byte, req Header, e *StateException) (int, KernReturn, error) {
	if len(e.NewState) > threadStateMax {
		return 0, MigBadArguments, fmt.Errorf("new state of %d words", len(e.NewState))
	}
	size := ReplySize + 8 + 4*len(e.NewState)
	if len(reply) < size {
		return 0, MigBadArguments, fmt.Errorf("reply buffer of %d bytes: %w", len(reply), ErrShortMessage)
	}
	putReplyHeader(reply, req, size)
	off := HeaderSize + ndrSize
	le.PutUint32(reply[off:], uint32(KernSuccess))
	le.PutUint32(reply[off+4:], uint32(e.Flavor))
	le.PutUint32(reply[off+8:], uint32(len(e.NewState)))
	for i, w := range e.NewState {
		le.PutUint32(reply[off+12+4*i:], w)
	}
	return size, KernSuccess, nil
}

func decodePorts(body []byte) (thread, task uint32, err error) {
	if len(body) < raiseCodesOffset {
		return 0, 0, ErrShortMessage
	}
	hdr, _ := DecodeHeader(body)
	if hdr.Bits&MsgBitsComplex == 0 || le.Uint32(body[HeaderSize:]) != 2 {
		return 0, 0, errors.New("exception message without port descriptors")
	}
	threadDesc := body[HeaderSize+bodySize:]
	taskDesc := threadDesc[portDescSize:]
	if threadDesc[11] != portDescriptorType || taskDesc[11] != portDescriptorType {
		return 0, 0, errors.New("exception message with bad descriptor type")
	}
	return le.Uint32(threadDesc), le.Uint32(taskDesc), nil
}

func decodeCodes(body []byte, off int) ([]int64, int, error) {
	if len(body) < off {
		return nil, 0, ErrShortMessage
	}
	n := int(le.Uint32(body[off-4:]))
	if n > maxCodes {
		return nil, 0, fmt.Errorf("%d exception codes", n)
	}
	if len(body) < off+n*codeSize {
		return nil, 0, ErrShortMessage
	}
	codes := make([]int64, n)
	for i := range codes {
		codes[i] = int64(le.Uint64(body[off+i*codeSize:]))
	}
	return codes, off + n*codeSize, nil
}

func decodeRaise(body []byte, exact bool) (*Exception, error) {
	hdr, _ := DecodeHeader(body)
	thread, task, err := decodePorts(body)
	if err != nil {
		return nil, err
	}
	codes, end, err := decodeCodes(body, raiseCodesOffset)
	if err != nil {
		return nil, err
	}
	if exact && end != len(body) {
		return nil, fmt.Errorf("raise message of %d bytes, expected %d", len(body), end)
	}
	return &Exception{
		Port:   hdr.LocalPort,
		Thread: thread,
		Task:   task,
		Type:   ExceptionType(le.Uint32(body[raiseCodesOffset-8:])),
		Codes:  codes,
	}, nil
}

func decodeState(body []byte, identity bool) (*StateException, error) {
	hdr, _ := DecodeHeader(body)
	e := &StateException{}
	off := stateCodesOffset
	if identity {
		thread, task, err := decodePorts(body)
		if err != nil {
			return nil, err
		}
		e.Thread, e.Task = thread, task
		off = raiseCodesOffset
	}
	codes, end, err := decodeCodes(body, off)
	if err != nil {
		return nil, err
	}
	e.Port = hdr.LocalPort
	e.Type = ExceptionType(le.Uint32(body[off-8:]))
	e.Codes = codes
	if len(body) < end+8 {
		return nil, ErrShortMessage
	}
	e.Flavor = int32(le.Uint32(body[end:]))
	n := int(le.Uint32(body[end+4:]))
	if n > threadStateMax || len(body) != end+8+4*n {
		return nil, fmt.Errorf("thread state of %d words in %d byte message", n, len(body))
	}
	e.OldState = make([]uint32, n)
	for i := range e.OldState {
		e.OldState[i] = le.Uint32(body[end+8+4*i:])
	}
	return e, nil
}

// EncodeRaise builds a mach_exception_raise request as the kernel would
// deliver it on port, with replyPort set as the send-once reply right.
func EncodeRaise(port, replyPort, thread, task uint32, exc ExceptionType, codes []int64) []byte {
	size := raiseCodesOffset + codeSize*len(codes)
	msg := make([]byte, size)
	Header{
		Bits:       MsgBitsComplex | MsgTypeMoveSendOnce,
		Size:       uint32(size),
		RemotePort: replyPort,
		LocalPort:  port,
		ID:         RaiseID,
	}.Put(msg)
	le.PutUint32(msg[HeaderSize:], 2)
	putPortDesc(msg[HeaderSize+bodySize:], thread)
	putPortDesc(msg[HeaderSize+bodySize+portDescSize:], task)
	copy(msg[HeaderSize+bodySize+2*portDescSize:], ndrRecord[:])
	le.PutUint32(msg[raiseCodesOffset-8:], uint32(exc))
	le.PutUint32(msg[raiseCodesOffset-4:], uint32(len(codes)))
	for i, c := range codes {
		le.PutUint64(msg[raiseCodesOffset+i*codeSize:], uint64(c))
	}
	return msg
}

// EncodeRaiseState builds a mach_exception_raise_state request, or a
// mach_exception_raise_state_identity request when identity is true.
func EncodeRaiseState(port, replyPort uint32, identity bool, thread, task uint32, exc ExceptionType, codes []int64, flavor int32, state []uint32) []byte {
	off := stateCodesOffset
	bits := MsgTypeMoveSendOnce
	id := RaiseStateID
	if identity {
		off = raiseCodesOffset
		bits |= MsgBitsComplex
		id = RaiseStateIdentityID
	}
	end := off + codeSize*len(codes)
	size := end + 8 + 4*len(state)
	msg := make([]byte, size)
	Header{Bits: bits, Size: uint32(size), RemotePort: replyPort, LocalPort: port, ID: id}.Put(msg)
	if identity {
		le.PutUint32(msg[HeaderSize:], 2)
		putPortDesc(msg[HeaderSize+bodySize:], thread)
		putPortDesc(msg[HeaderSize+bodySize+portDescSize:], task)
	}
	copy(msg[off-8-ndrSize:], ndrRecord[:])
	le.PutUint32(msg[off-8:], uint32(exc))
	le.PutUint32(msg[off-4:], uint32(len(codes)))
	for i, c := range codes {
		le.PutUint64(msg[off+i*codeSize:], uint64(c))
	}
	le.PutUint32(msg[end:], uint32(flavor))
	le.PutUint32(msg[end+4:], uint32(len(state)))
	for i, w := range state {
		le.PutUint32(msg[end+8+4*i:], w)
	}
	return msg
}

func putPortDesc(buf []byte, name uint32) {
	le.PutUint32(buf, name)
	buf[10] = byte(MsgTypeMoveSend)
	buf[11] = portDescriptorType
}

// EncodeInterrupt builds the header-only wake-up message sent to port
// through a send right the controller holds.
func EncodeInterrupt(port uint32) []byte {
	msg := make([]byte, HeaderSize)
	Header{Bits: MsgTypeCopySend, Size: HeaderSize, RemotePort: port, ID: InterruptID}.Put(msg)
	return msg
}

// ReplyRetCode returns the return code and id of an encoded reply.
func ReplyRetCode(reply []byte) (KernReturn, int32, error) {
	h, err := DecodeHeader(reply)
	if err != nil {
		return 0, 0, err
	}
	if len(reply) < ReplySize {
		return 0, h.ID, ErrShortMessage
	}
	return KernReturn(le.Uint32(reply[HeaderSize+ndrSize:])), h.ID, nil
}
