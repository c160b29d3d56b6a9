package Adhoc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"FilamentDetServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const TimeOutSeconds = 5

type RegisterRequest struct {
	Id        string `json:"id"`
	IP        string `json:"ip"`
	RPCPort   int    `json:"rpcPort"`
	HTTPPort  int    `json:"httpPort"`
	Model     string `json:"model"`
	TimeStamp int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Instance describes this server to the registry.
type Instance struct {
	IP       string
	RPCPort  int
	HTTPPort int
	Model    string
}

type Registrar struct {
	addr     string
	interval time.Duration
	id       string
	inst     Instance
	client   *resty.Client
	log      *zap.Logger
}

func NewRegistrar(host string, port int, interval time.Duration, inst Instance) *Registrar {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Registrar{
		addr:     fmt.Sprintf("http://%s:%d/api/register", host, port),
		interval: interval,
		id:       uuid.NewString(),
		inst:     inst,
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second), // 总超时
		log:      logger.Named("adhoc"),
	}
}

func (r *Registrar) ID() string {
	return r.id
}

// Register sends one heartbeat.
func (r *Registrar) Register(ctx context.Context) error {
	var respBody RegisterResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:        r.id,
			IP:        r.inst.IP,
			RPCPort:   r.inst.RPCPort,
			HTTPPort:  r.inst.HTTPPort,
			Model:     r.inst.Model,
			TimeStamp: time.Now().Unix(),
		}).
		SetResult(&respBody). // 2xx 自动反序列化到 respBody
		Post(r.addr)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	// 检查 HTTP 状态码
	if resp.IsError() {
		return fmt.Errorf("register: server returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("register: registry rejected instance %s", r.id)
	}
	return nil
}

// SendAliveMessage registers immediately and then on every interval until
// ctx is cancelled. Failures are logged and retried on the next tick.
func (r *Registrar) SendAliveMessage(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("SendAliveMessage panic recovered", zap.Any("panic", rec))
			}
		}()
		if err := r.Register(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("heartbeat failed", zap.String("registry", r.addr), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("SendAliveMessage context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}

func GetOutboundIP() (string, error) {
	// 这里只是为了建立路由路径得到本地出口 IP，UDP 不会真正发包
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
