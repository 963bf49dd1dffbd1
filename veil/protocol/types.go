package protocol

// FrameType tags a session frame.
type FrameType uint8

const (
	FrameData    FrameType = 1
	FrameParity  FrameType = 2
	FrameAck     FrameType = 3
	FrameControl FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameParity:
		return "PARITY"
	case FrameAck:
		return "ACK"
	case FrameControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// ControlOp is the operation carried by a ControlFrame.
type ControlOp uint8

const (
	ControlKeepalive ControlOp = 1
	ControlClose     ControlOp = 2
)

func (op ControlOp) String() string {
	switch op {
	case ControlKeepalive:
		return "KEEPALIVE"
	case ControlClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// HandshakeType tags a handshake message.
type HandshakeType uint8

const (
	HandshakeClientHello  HandshakeType = 1
	HandshakeServerHello  HandshakeType = 2
	HandshakeClientFinish HandshakeType = 3
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeClientHello:
		return "CLIENT_HELLO"
	case HandshakeServerHello:
		return "SERVER_HELLO"
	case HandshakeClientFinish:
		return "CLIENT_FINISH"
	default:
		return "UNKNOWN"
	}
}
