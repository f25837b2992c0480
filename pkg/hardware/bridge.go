package hardware

import (
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/bujia-iot/iot-evhub/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-evhub/pkg/errors"
)

// 串口通信参数
const (
	defaultBaudRate    = 115200
	readTimeout        = 1 * time.Second
	requestTimeout     = 3 * time.Second
	responseBufferSize = 64
)

// bridgeRequest 发往串口工作协程的单个请求
type bridgeRequest struct {
	line        string
	expectReply bool
	reply       chan bridgeReply
}

// bridgeReply 工作协程的应答
type bridgeReply struct {
	line string
	err  error
}

// SerialBridge 微控制器串口桥
// 串口由单一工作协程独占，所有请求经通道排队，天然保证同一时刻
// 只有一个在途请求。请求前清空输入缓冲，读取单行应答并带超时。
type SerialBridge struct {
	portName string
	baudRate int

	requests chan bridgeRequest

	mu     sync.Mutex
	port   serial.Port
	closed bool
	done   chan struct{}
}

// NewSerialBridge 创建串口桥，不打开端口
func NewSerialBridge(portName string) *SerialBridge {
	return &SerialBridge{
		portName: portName,
		baudRate: defaultBaudRate,
		requests: make(chan bridgeRequest),
		done:     make(chan struct{}),
	}
}

// Open 打开串口并启动工作协程
func (b *SerialBridge) Open() error {
	mode := &serial.Mode{BaudRate: b.baudRate}
	port, err := serial.Open(b.portName, mode)
	if err != nil {
		return errors.Wrap(errors.ErrBridgeNotConnected, "open serial port "+b.portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return errors.Wrap(errors.ErrBridgeIO, "set read timeout", err)
	}

	b.mu.Lock()
	b.port = port
	b.closed = false
	b.mu.Unlock()

	go b.worker(port)
	logger.WithField("port", b.portName).Info("✅ 串口桥已连接")
	return nil
}

// Close 关闭串口并停止工作协程
func (b *SerialBridge) Close() error {
	b.mu.Lock()
	if b.closed || b.port == nil {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	port := b.port
	b.mu.Unlock()

	close(b.done)
	err := port.Close()
	logger.WithField("port", b.portName).Info("串口桥已断开")
	return err
}

// GetDistance 读取距离传感器，单位cm
func (b *SerialBridge) GetDistance() (float64, error) {
	line, err := b.roundTrip(cmdGetDistance, true)
	if err != nil {
		return 0, err
	}
	return ParseDistanceResponse(line)
}

// GetPowerData 读取功率计的电压、电流、功率
func (b *SerialBridge) GetPowerData() (voltage, current, power float64, err error) {
	line, err := b.roundTrip(cmdGetPower, true)
	if err != nil {
		return 0, 0, 0, err
	}
	return ParsePowerResponse(line)
}

// SetActuator 下发执行器命令，协议不要求应答
func (b *SerialBridge) SetActuator(cmd ActuatorCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	_, err := b.roundTrip(FormatActuatorCommand(cmd), false)
	return err
}

// roundTrip 把请求排队给工作协程并等待结果
func (b *SerialBridge) roundTrip(line string, expectReply bool) (string, error) {
	req := bridgeRequest{
		line:        line,
		expectReply: expectReply,
		reply:       make(chan bridgeReply, 1),
	}

	select {
	case b.requests <- req:
	case <-b.done:
		return "", errors.New(errors.ErrBridgeNotConnected, "serial bridge closed")
	case <-time.After(requestTimeout):
		return "", errors.New(errors.ErrBridgeIO, "serial bridge busy: "+line)
	}

	select {
	case rep := <-req.reply:
		return rep.line, rep.err
	case <-b.done:
		return "", errors.New(errors.ErrBridgeNotConnected, "serial bridge closed")
	}
}

// worker 串口独占工作协程，顺序处理请求
func (b *SerialBridge) worker(port serial.Port) {
	for {
		select {
		case <-b.done:
			return
		case req := <-b.requests:
			req.reply <- b.execute(port, req)
		}
	}
}

// execute 执行一次请求: 清空输入、写命令、按需读取单行应答
func (b *SerialBridge) execute(port serial.Port, req bridgeRequest) bridgeReply {
	if err := port.ResetInputBuffer(); err != nil {
		return bridgeReply{err: errors.Wrap(errors.ErrBridgeIO, "reset input buffer", err)}
	}
	if _, err := port.Write([]byte(req.line + "\n")); err != nil {
		return bridgeReply{err: errors.Wrap(errors.ErrBridgeIO, "write "+req.line, err)}
	}
	if !req.expectReply {
		logger.WithField("command", req.line).Debug("📤 串口命令已发送")
		return bridgeReply{}
	}

	line, err := readLine(port)
	if err != nil {
		return bridgeReply{err: errors.Wrap(errors.ErrBridgeIO, "read response for "+req.line, err)}
	}
	return bridgeReply{line: line}
}

// readLine 读取单行应答，读超时由串口ReadTimeout控制
func readLine(port serial.Port) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	deadline := time.Now().Add(requestTimeout)

	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			// 读超时，串口无数据
			break
		}
		if buf[0] == '\n' {
			return sb.String(), nil
		}
		if buf[0] != '\r' {
			sb.WriteByte(buf[0])
		}
		if sb.Len() > responseBufferSize {
			return "", errors.New(errors.ErrBridgeResponseInvalid, "response line too long")
		}
	}
	if sb.Len() > 0 {
		return sb.String(), nil
	}
	return "", errors.New(errors.ErrBridgeIO, "read timeout waiting for response")
}
