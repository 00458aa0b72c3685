package Hardware

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

const (
	FramePreamble = 0xFE
	FrameEnd      = 0xFD
	AddrServer    = 0x42 // 硬件服务器地址
	AddrHost      = 0xE0 // 控制端 (PC) 地址
)

// 命令字
const (
	CmdOpenServer   = 0x01
	CmdCloseServer  = 0x02
	CmdOpenChannel  = 0x03
	CmdCloseChannel = 0x04
	CmdWritePort    = 0x10
	CmdReadPort     = 0x11
	CmdSetRate      = 0x20
	CmdNak          = 0xFA
)

// SerialPort 定义串口操作接口，方便测试 Mock
type SerialPort interface {
	io.ReadWriteCloser
}

// SerialBridge 通过串口与硬件服务器通信。
// 帧格式: FE FE [To] [From] [Cmd] [Data...] FD，服务器用相同的 Cmd 应答，拒绝时用 NAK。
type SerialBridge struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration

	mu     sync.Mutex
	conn   SerialPort
	logger *zap.Logger
}

// NewSerialBridge 创建新的串口桥
func NewSerialBridge(port string, baudRate int, logger *zap.Logger) *SerialBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialBridge{
		Port:        port,
		BaudRate:    baudRate,
		ReadTimeout: 500 * time.Millisecond,
		logger:      logger,
	}
}

func (b *SerialBridge) Name() string { return "server" }

// Open 打开串口并让服务器开始工作
func (b *SerialBridge) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	config := &serial.Config{
		Name:        b.Port,
		Baud:        b.BaudRate,
		ReadTimeout: b.ReadTimeout,
	}
	s, err := serial.OpenPort(config)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = s
	b.mu.Unlock()

	if _, err := b.Request(CmdOpenServer, nil); err != nil {
		b.closeConn()
		return fmt.Errorf("open server: %w", err)
	}
	b.logger.Info("hardware server opened", zap.String("port", b.Port), zap.Int("baud", b.BaudRate))
	return nil
}

// Close 通知服务器关闭并关闭串口
func (b *SerialBridge) Close() error {
	b.mu.Lock()
	open := b.conn != nil
	b.mu.Unlock()
	if !open {
		return nil
	}
	_, reqErr := b.Request(CmdCloseServer, nil)
	if err := b.closeConn(); err != nil {
		return err
	}
	return reqErr
}

func (b *SerialBridge) closeConn() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// SendCommand 发送一帧
func (b *SerialBridge) SendCommand(cmd byte, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.send(cmd, data)
}

func (b *SerialBridge) send(cmd byte, data []byte) error {
	if b.conn == nil {
		return fmt.Errorf("connection not open")
	}
	frame := []byte{FramePreamble, FramePreamble, AddrServer, AddrHost, cmd}
	frame = append(frame, data...)
	frame = append(frame, FrameEnd)

	_, err := b.conn.Write(frame)
	return err
}

// Request 发送命令并等待同一命令的应答，返回应答数据部分
func (b *SerialBridge) Request(cmd byte, data []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.send(cmd, data); err != nil {
		return nil, err
	}
	return b.readResponse(cmd)
}

// readResponse 读取并解析应答，过滤串口回显
func (b *SerialBridge) readResponse(expectedCmd byte) ([]byte, error) {
	buf := make([]byte, 256)
	n, err := b.conn.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("timeout or no data")
	}
	data := buf[:n]

	nak := []byte{FramePreamble, FramePreamble, AddrHost, AddrServer, CmdNak, expectedCmd}
	if bytes.Contains(data, nak) {
		return nil, fmt.Errorf("server rejected command 0x%02X", expectedCmd)
	}

	header := []byte{FramePreamble, FramePreamble, AddrHost, AddrServer, expectedCmd}
	idx := bytes.Index(data, header)
	if idx == -1 {
		return nil, fmt.Errorf("response header not found in: %s", hex.EncodeToString(data))
	}

	frame := data[idx:]
	endIdx := bytes.IndexByte(frame[len(header):], FrameEnd)
	if endIdx == -1 {
		return nil, fmt.Errorf("frame end not found")
	}
	return frame[len(header) : len(header)+endIdx], nil
}

// OpenChannel 打开服务器上的一个通道
func (b *SerialBridge) OpenChannel(ch byte) error {
	_, err := b.Request(CmdOpenChannel, []byte{ch})
	return err
}

// CloseChannel 关闭通道
func (b *SerialBridge) CloseChannel(ch byte) error {
	_, err := b.Request(CmdCloseChannel, []byte{ch})
	return err
}

// WritePort 把 high 中的位置高，low 中的位置低
func (b *SerialBridge) WritePort(ch byte, high, low uint32) error {
	data := make([]byte, 9)
	data[0] = ch
	binary.BigEndian.PutUint32(data[1:5], high)
	binary.BigEndian.PutUint32(data[5:9], low)
	_, err := b.Request(CmdWritePort, data)
	return err
}

// ReadPort 读取通道的输入位
func (b *SerialBridge) ReadPort(ch byte) (uint32, error) {
	resp, err := b.Request(CmdReadPort, []byte{ch})
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("invalid port data length %d", len(resp))
	}
	return binary.BigEndian.Uint32(resp[:4]), nil
}

// SetRate 设置 MFC 流量，rate 为满量程的比例 [0,1]，以千分比发送
func (b *SerialBridge) SetRate(ch byte, rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("rate %g out of range", rate)
	}
	data := make([]byte, 3)
	data[0] = ch
	binary.BigEndian.PutUint16(data[1:], uint16(rate*1000+0.5))
	_, err := b.Request(CmdSetRate, data)
	return err
}

// BridgeChannel 服务器上的一个通道 (例如 FTDI 通道)
type BridgeChannel struct {
	name    string
	bridge  *SerialBridge
	channel byte
}

func NewBridgeChannel(name string, bridge *SerialBridge, channel byte) *BridgeChannel {
	return &BridgeChannel{name: name, bridge: bridge, channel: channel}
}

func (c *BridgeChannel) Name() string { return c.name }

func (c *BridgeChannel) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.bridge.OpenChannel(c.channel)
}

func (c *BridgeChannel) Close() error { return c.bridge.CloseChannel(c.channel) }

// BridgePort 一个数字端口，线名映射到位
type BridgePort struct {
	name         string
	bridge       *SerialBridge
	channel      byte
	pins         map[string]uint
	input        bool
	PollInterval time.Duration
	// Post 用于把订阅回调投递到事件循环
	Post func(func())

	mu     sync.Mutex
	last   uint32
	subs   map[string]map[int]func(bool)
	nextID int
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewBridgePort 创建端口，input 为 true 时打开后开始轮询输入
func NewBridgePort(name string, bridge *SerialBridge, channel byte, pins map[string]uint, input bool, logger *zap.Logger) *BridgePort {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BridgePort{
		name:         name,
		bridge:       bridge,
		channel:      channel,
		pins:         pins,
		input:        input,
		PollInterval: 5 * time.Millisecond,
		subs:         make(map[string]map[int]func(bool)),
		logger:       logger,
	}
}

func (p *BridgePort) Name() string { return p.name }

func (p *BridgePort) Open(ctx context.Context) error {
	if err := p.bridge.OpenChannel(p.channel); err != nil {
		return err
	}
	if !p.input {
		return p.Quiesce()
	}

	v, err := p.bridge.ReadPort(p.channel)
	if err != nil {
		return err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.last = v
	p.cancel = cancel
	p.mu.Unlock()
	go p.poll(pollCtx)
	return nil
}

func (p *BridgePort) Close() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	return p.bridge.CloseChannel(p.channel)
}

func (p *BridgePort) masks(high, low []string) (uint32, uint32, error) {
	var h, l uint32
	for _, name := range high {
		pin, ok := p.pins[name]
		if !ok {
			return 0, 0, fmt.Errorf("%s: unknown line %q", p.name, name)
		}
		h |= 1 << pin
	}
	for _, name := range low {
		pin, ok := p.pins[name]
		if !ok {
			return 0, 0, fmt.Errorf("%s: unknown line %q", p.name, name)
		}
		l |= 1 << pin
	}
	return h, l, nil
}

func (p *BridgePort) SetLines(high, low []string) error {
	h, l, err := p.masks(high, low)
	if err != nil {
		return err
	}
	return p.bridge.WritePort(p.channel, h, l)
}

// Quiesce 所有输出置低
func (p *BridgePort) Quiesce() error {
	if p.input {
		return nil
	}
	var all uint32
	for _, pin := range p.pins {
		all |= 1 << pin
	}
	return p.bridge.WritePort(p.channel, 0, all)
}

func (p *BridgePort) ReadLine(name string) (bool, error) {
	pin, ok := p.pins[name]
	if !ok {
		return false, fmt.Errorf("%s: unknown line %q", p.name, name)
	}
	v, err := p.bridge.ReadPort(p.channel)
	if err != nil {
		return false, err
	}
	return v&(1<<pin) != 0, nil
}

func (p *BridgePort) Subscribe(name string, fn func(bool)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[name] == nil {
		p.subs[name] = make(map[int]func(bool))
	}
	id := p.nextID
	p.nextID++
	p.subs[name][id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs[name], id)
		p.mu.Unlock()
	}
}

// poll 周期性读取输入端口，把变化通知订阅者
func (p *BridgePort) poll(ctx context.Context) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v, err := p.bridge.ReadPort(p.channel)
			if err != nil {
				p.logger.Warn("poll failed", zap.String("device", p.name), zap.Error(err))
				continue
			}
			p.dispatch(v)
		}
	}
}

func (p *BridgePort) dispatch(v uint32) {
	p.mu.Lock()
	changed := p.last ^ v
	p.last = v
	var calls []func()
	for name, pin := range p.pins {
		if changed&(1<<pin) == 0 {
			continue
		}
		state := v&(1<<pin) != 0
		for _, fn := range p.subs[name] {
			fn := fn
			calls = append(calls, func() { fn(state) })
		}
	}
	post := p.Post
	p.mu.Unlock()

	for _, c := range calls {
		if post != nil {
			post(c)
		} else {
			c()
		}
	}
}

// BridgeMFC 通过服务器控制的 MFC
type BridgeMFC struct {
	name    string
	bridge  *SerialBridge
	channel byte
}

func NewBridgeMFC(name string, bridge *SerialBridge, channel byte) *BridgeMFC {
	return &BridgeMFC{name: name, bridge: bridge, channel: channel}
}

func (m *BridgeMFC) Name() string { return m.name }

func (m *BridgeMFC) Open(ctx context.Context) error {
	if err := m.bridge.OpenChannel(m.channel); err != nil {
		return err
	}
	return m.bridge.SetRate(m.channel, 0)
}

func (m *BridgeMFC) Close() error { return m.bridge.CloseChannel(m.channel) }

func (m *BridgeMFC) SetRate(rate float64) error { return m.bridge.SetRate(m.channel, rate) }

func (m *BridgeMFC) Quiesce() error { return m.SetRate(0) }

var (
	_ Device         = (*SerialBridge)(nil)
	_ Device         = (*BridgeChannel)(nil)
	_ LineWriter     = (*BridgePort)(nil)
	_ BinarySensor   = (*BridgePort)(nil)
	_ Quiescer       = (*BridgePort)(nil)
	_ FlowController = (*BridgeMFC)(nil)
)
