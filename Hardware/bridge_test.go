package Hardware

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockSerialPort 模拟串口，每次 Read 返回一帧预置的应答
type MockSerialPort struct {
	Responses   [][]byte
	WriteBuffer *bytes.Buffer
	Closed      bool
}

func NewMockSerialPort() *MockSerialPort {
	return &MockSerialPort{WriteBuffer: new(bytes.Buffer)}
}

func (m *MockSerialPort) Read(p []byte) (int, error) {
	if len(m.Responses) == 0 {
		return 0, nil
	}
	n := copy(p, m.Responses[0])
	m.Responses = m.Responses[1:]
	return n, nil
}

func (m *MockSerialPort) Write(p []byte) (int, error) {
	return m.WriteBuffer.Write(p)
}

func (m *MockSerialPort) Close() error {
	m.Closed = true
	return nil
}

func (m *MockSerialPort) Queue(cmd byte, data []byte) {
	frame := []byte{FramePreamble, FramePreamble, AddrHost, AddrServer, cmd}
	frame = append(frame, data...)
	frame = append(frame, FrameEnd)
	m.Responses = append(m.Responses, frame)
}

func newMockBridge() (*SerialBridge, *MockSerialPort) {
	port := NewMockSerialPort()
	b := NewSerialBridge("mock", 115200, nil)
	b.conn = port
	return b, port
}

func TestSendCommand(t *testing.T) {
	b, port := newMockBridge()

	require.NoError(t, b.SendCommand(CmdOpenChannel, []byte{0x02}))
	expected := []byte{0xFE, 0xFE, AddrServer, AddrHost, CmdOpenChannel, 0x02, 0xFD}
	assert.Equal(t, expected, port.WriteBuffer.Bytes())
}

func TestWritePort(t *testing.T) {
	b, port := newMockBridge()
	pins := map[string]uint{LineFans: 0, LineIRLeds: 3}
	p := NewBridgePort("outputs", b, 1, pins, false, nil)

	port.Queue(CmdWritePort, nil)
	require.NoError(t, p.SetLines([]string{LineIRLeds}, []string{LineFans}))

	expected := []byte{0xFE, 0xFE, AddrServer, AddrHost, CmdWritePort,
		0x01, 0x00, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x01, 0xFD}
	assert.Equal(t, expected, port.WriteBuffer.Bytes())

	assert.Error(t, p.SetLines([]string{"nope"}, nil))
}

func TestReadPort_WithEcho(t *testing.T) {
	b, port := newMockBridge()
	pins := map[string]uint{LineNoseBeam: 2}
	p := NewBridgePort("inputs", b, 4, pins, true, nil)

	// 串口回显自己发送的帧，随后才是服务器应答
	echo := []byte{0xFE, 0xFE, AddrServer, AddrHost, CmdReadPort, 0x04, 0xFD}
	resp := []byte{0xFE, 0xFE, AddrHost, AddrServer, CmdReadPort, 0x00, 0x00, 0x00, 0x04, 0xFD}
	port.Responses = append(port.Responses, append(echo, resp...))

	v, err := p.ReadLine(LineNoseBeam)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestRequest_Nak(t *testing.T) {
	b, port := newMockBridge()
	port.Queue(CmdNak, []byte{CmdOpenChannel})

	err := b.OpenChannel(3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestRequest_Timeout(t *testing.T) {
	b, _ := newMockBridge()
	_, err := b.Request(CmdReadPort, []byte{0})
	assert.Error(t, err)
}

func TestSetRate(t *testing.T) {
	b, port := newMockBridge()
	mfc := NewBridgeMFC(MFCA, b, 7)

	port.Queue(CmdSetRate, nil)
	require.NoError(t, mfc.SetRate(0.25))
	expected := []byte{0xFE, 0xFE, AddrServer, AddrHost, CmdSetRate, 0x07, 0x00, 0xFA, 0xFD}
	assert.Equal(t, expected, port.WriteBuffer.Bytes())

	assert.Error(t, mfc.SetRate(1.5))
}

func TestBridgePort_Dispatch(t *testing.T) {
	b, _ := newMockBridge()
	pins := map[string]uint{LineNoseBeam: 0, LineRewardBeamL: 1}
	p := NewBridgePort("inputs", b, 0, pins, true, nil)

	var nose []bool
	var left int
	p.Subscribe(LineNoseBeam, func(v bool) { nose = append(nose, v) })
	unsub := p.Subscribe(LineRewardBeamL, func(bool) { left++ })

	p.dispatch(0b01)
	p.dispatch(0b01)
	unsub()
	p.dispatch(0b10)

	assert.Equal(t, []bool{true, false}, nose)
	assert.Equal(t, 0, left)
}

func TestBridgeClose(t *testing.T) {
	b, port := newMockBridge()
	port.Queue(CmdCloseServer, nil)
	require.NoError(t, b.Close())
	assert.True(t, port.Closed)
	assert.NoError(t, b.Close())
}
