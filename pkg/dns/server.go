package dns

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/hewenyu/capabilities-directory/internal/config"
)

// Server 同时监听UDP和TCP的DNS服务器
type Server struct {
	addr       string
	handler    dns.Handler
	timeout    time.Duration
	logger     config.Logger
	udpServer  *dns.Server
	tcpServer  *dns.Server
	udpAddr    net.Addr
	shutdownWg sync.WaitGroup
}

// NewServer 创建DNS服务器
func NewServer(addr string, handler dns.Handler, logger config.Logger) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Start 同步创建监听后在后台提供服务，端口为0时TCP与UDP使用同一个随机端口
func (s *Server) Start() error {
	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return fmt.Errorf("监听UDP失败: %w", err)
	}
	s.udpAddr = pc.LocalAddr()

	ln, err := net.Listen("tcp", s.udpAddr.String())
	if err != nil {
		pc.Close()
		return fmt.Errorf("监听TCP失败: %w", err)
	}

	s.udpServer = &dns.Server{
		PacketConn:   pc,
		Handler:      s.handler,
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
	}
	s.tcpServer = &dns.Server{
		Listener:     ln,
		Handler:      s.handler,
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
	}

	started := make(chan struct{}, 2)
	for _, srv := range []*dns.Server{s.udpServer, s.tcpServer} {
		srv.NotifyStartedFunc = func() { started <- struct{}{} }
		s.shutdownWg.Add(1)
		go func(srv *dns.Server) {
			defer s.shutdownWg.Done()
			if err := srv.ActivateAndServe(); err != nil {
				s.logger.Error("DNS服务器异常退出", zap.Error(err))
			}
		}(srv)
	}

	// 等待两个服务器就绪
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(s.timeout):
			return fmt.Errorf("DNS服务器启动超时")
		}
	}

	s.logger.Info("DNS视图已启动", zap.String("address", s.udpAddr.String()))
	return nil
}

// Addr 返回实际监听的地址，Start之前为nil
func (s *Server) Addr() net.Addr {
	return s.udpAddr
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	var errs []error

	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭UDP服务器失败: %w", err))
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("关闭TCP服务器失败: %w", err))
		}
	}

	// 等待所有服务器关闭
	s.shutdownWg.Wait()
	return errors.Join(errs...)
}
