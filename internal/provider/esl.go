package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// eslEvents 订阅的事件
var eslEvents = []string{
	"CHANNEL_CREATE", "CHANNEL_ANSWER", "CHANNEL_HANGUP_COMPLETE", "DTMF", "MESSAGE",
	"CUSTOM", "mod_audio_stream::connect", "mod_audio_stream::disconnect", "mod_audio_stream::error",
}

// eslMessage ESL 报文
type eslMessage struct {
	headers map[string]string
	body    []byte
}

// eslClient FreeSWITCH Event Socket 客户端
//
// 只有一个读协程：事件进入 events，命令回复按到达顺序交给等待队列的队首。
// 命令在 cmdMu 下入队并写出，回复与命令一一对应。调用方放弃等待时
// 槽位保留在队列中，迟到的回复被丢弃，连接不受影响。
type eslClient struct {
	conn    net.Conn
	reader  *bufio.Reader
	logger  *zap.Logger
	cmdMu   sync.Mutex
	waitMu  sync.Mutex
	waiting []chan eslMessage
	events  chan<- []byte
	closing <-chan struct{}
	done    chan struct{}
	once    sync.Once
}

// dialESL 连接、认证并订阅事件
func dialESL(ctx context.Context, config FreeSWITCHConfig, events chan<- []byte, closing <-chan struct{}, logger *zap.Logger) (*eslClient, error) {
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}
	c := &eslClient{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		logger:  logger,
		events:  events,
		closing: closing,
		done:    make(chan struct{}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := c.handshake(config.Password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *eslClient) handshake(password string) error {
	msg, err := c.readMessage()
	if err != nil {
		return fmt.Errorf("读取欢迎信息失败: %w", err)
	}
	if msg.headers["Content-Type"] != "auth/request" {
		return fmt.Errorf("未收到认证请求: %s", msg.headers["Content-Type"])
	}

	if err := c.write(fmt.Sprintf("auth %s\n\n", password)); err != nil {
		return fmt.Errorf("发送认证失败: %w", err)
	}
	msg, err = c.readMessage()
	if err != nil {
		return fmt.Errorf("读取认证响应失败: %w", err)
	}
	if !strings.HasPrefix(msg.headers["Reply-Text"], "+OK") {
		return fmt.Errorf("认证失败: %s", msg.headers["Reply-Text"])
	}

	if err := c.write("event plain " + strings.Join(eslEvents, " ") + "\n\n"); err != nil {
		return fmt.Errorf("订阅事件失败: %w", err)
	}
	msg, err = c.readMessage()
	if err != nil {
		return fmt.Errorf("读取订阅响应失败: %w", err)
	}
	if !strings.HasPrefix(msg.headers["Reply-Text"], "+OK") {
		return fmt.Errorf("订阅失败: %s", msg.headers["Reply-Text"])
	}
	return nil
}

// run 读取循环，连接断开时返回
func (c *eslClient) run() {
	defer c.shutdown()
	for {
		msg, err := c.readMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("ESL 连接断开", zap.Error(err))
			}
			return
		}

		switch msg.headers["Content-Type"] {
		case "text/event-plain":
			select {
			case c.events <- msg.body:
			case <-c.closing:
				return
			}
		case "command/reply", "api/response":
			reply := c.dequeue()
			if reply == nil {
				c.logger.Warn("收到无对应命令的回复", zap.String("reply", msg.headers["Reply-Text"]))
				continue
			}
			reply <- msg
		case "text/disconnect-notice":
			c.logger.Info("FreeSWITCH 主动断开连接")
			return
		}
	}
}

// command 发送命令并等待回复，ctx 结束时只放弃本次等待，连接继续服务其他命令
func (c *eslClient) command(ctx context.Context, cmd string) (eslMessage, error) {
	reply := make(chan eslMessage, 1)

	c.cmdMu.Lock()
	select {
	case <-c.done:
		c.cmdMu.Unlock()
		return eslMessage{}, io.ErrClosedPipe
	default:
	}
	c.waitMu.Lock()
	c.waiting = append(c.waiting, reply)
	c.waitMu.Unlock()
	err := c.write(cmd + "\n\n")
	c.cmdMu.Unlock()
	if err != nil {
		// 写出中断后报文边界不可知
		c.shutdown()
		return eslMessage{}, fmt.Errorf("发送命令失败: %w", err)
	}

	select {
	case msg := <-reply:
		return msg, nil
	case <-c.done:
		return eslMessage{}, io.ErrUnexpectedEOF
	case <-ctx.Done():
		return eslMessage{}, ctx.Err()
	}
}

// dequeue 取出最早的等待者，回复通道带缓冲，投递不会阻塞读协程
func (c *eslClient) dequeue() chan eslMessage {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if len(c.waiting) == 0 {
		return nil
	}
	reply := c.waiting[0]
	c.waiting = c.waiting[1:]
	return reply
}

// api 执行同步 api 命令，返回响应体
func (c *eslClient) api(ctx context.Context, cmd string) (string, error) {
	msg, err := c.command(ctx, "api "+cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(msg.body)), nil
}

// bgapi 执行后台命令，返回 Reply-Text
func (c *eslClient) bgapi(ctx context.Context, cmd string) (string, error) {
	msg, err := c.command(ctx, "bgapi "+cmd)
	if err != nil {
		return "", err
	}
	return msg.headers["Reply-Text"], nil
}

func (c *eslClient) write(s string) error {
	_, err := io.WriteString(c.conn, s)
	return err
}

// readMessage 读取一条报文：头部以空行结束，Content-Length 指定正文长度
func (c *eslClient) readMessage() (eslMessage, error) {
	headers := make(map[string]string)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return eslMessage{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if len(headers) == 0 {
				continue
			}
			break
		}
		if idx := strings.Index(line, ": "); idx != -1 {
			headers[line[:idx]] = line[idx+2:]
		}
	}

	msg := eslMessage{headers: headers}
	if lenStr, ok := headers["Content-Length"]; ok {
		n, err := strconv.Atoi(lenStr)
		if err != nil {
			return eslMessage{}, fmt.Errorf("Content-Length 非法: %q", lenStr)
		}
		msg.body = make([]byte, n)
		if _, err := io.ReadFull(c.reader, msg.body); err != nil {
			return eslMessage{}, fmt.Errorf("读取报文正文失败: %w", err)
		}
	}
	return msg, nil
}

// Done 连接断开时关闭
func (c *eslClient) Done() <-chan struct{} { return c.done }

func (c *eslClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
