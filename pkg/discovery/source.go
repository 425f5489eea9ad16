package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voipfw/voipfw-agent/pkg/config"
	"github.com/voipfw/voipfw-agent/pkg/iptables"
	"github.com/voipfw/voipfw-agent/pkg/logger"
)

// Source 期望状态的来源
type Source interface {
	Fetch(ctx context.Context) (*DesiredState, error)
}

// CommandRunner 执行外部命令，只需要stdout
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewSource 按配置创建来源
func NewSource(cfg config.DiscoveryConfig, runner CommandRunner) (Source, error) {
	switch cfg.Source {
	case "command":
		return NewCommandSource(cfg, runner), nil
	case "file":
		return &FileSource{Path: cfg.File}, nil
	case "http":
		return NewHTTPSource(cfg), nil
	default:
		return nil, fmt.Errorf("%w: 未知的服务发现来源 %q", iptables.ErrConfig, cfg.Source)
	}
}

// CommandSource 执行服务发现命令，配置了User时通过 su -c 以该用户身份执行
type CommandSource struct {
	cfg    config.DiscoveryConfig
	runner CommandRunner
	log    *logrus.Entry
}

// NewCommandSource 创建命令来源
func NewCommandSource(cfg config.DiscoveryConfig, runner CommandRunner) *CommandSource {
	return &CommandSource{
		cfg:    cfg,
		runner: runner,
		log:    logger.GetDiscoveryLogger(),
	}
}

func (s *CommandSource) command() (string, []string) {
	if s.cfg.User == "" {
		return s.cfg.Command[0], s.cfg.Command[1:]
	}
	return "su", []string{"-c", strings.Join(s.cfg.Command, " "), s.cfg.User}
}

// Fetch 执行命令并解析输出
func (s *CommandSource) Fetch(ctx context.Context) (*DesiredState, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("%w: 未配置服务发现命令", iptables.ErrConfig)
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Timeout)*time.Second)
		defer cancel()
	}

	name, args := s.command()
	start := time.Now()
	out, err := s.runner.Output(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("执行服务发现命令失败: %w", err)
	}
	logger.LogPerformance("discovery_command", time.Since(start), logrus.Fields{
		"user": s.cfg.User,
		"size": len(out),
	})
	return Parse(out)
}

// FileSource 从本地JSON文件读取
type FileSource struct {
	Path string
}

// Fetch 读取并解析文件
func (s *FileSource) Fetch(context.Context) (*DesiredState, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("读取服务发现文件失败: %w", err)
	}
	return Parse(data)
}

// HTTPSource 从HTTP接口获取，响应为 {"status": {...}, "data": {...}}
type HTTPSource struct {
	cfg        config.DiscoveryConfig
	httpClient *http.Client
	log        *logrus.Entry
}

// NewHTTPSource 创建HTTP来源
func NewHTTPSource(cfg config.DiscoveryConfig) *HTTPSource {
	return &HTTPSource{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		log: logger.GetDiscoveryLogger(),
	}
}

type envelope struct {
	Status struct {
		Success   bool   `json:"success"`
		Message   string `json:"message,omitempty"`
		ErrorCode string `json:"error_code,omitempty"`
	} `json:"status"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Fetch 请求接口，失败时按配置重试
func (s *HTTPSource) Fetch(ctx context.Context) (*DesiredState, error) {
	startTime := time.Now()

	attempts := s.cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	var resp *http.Response
	var lastErr error

	// 重试机制
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("创建请求失败: %w", err)
		}
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}
		req.Header.Set("Accept", "application/json")

		resp, lastErr = s.httpClient.Do(req)
		if lastErr == nil && resp.StatusCode == http.StatusOK {
			break
		}
		if lastErr == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("返回错误状态码: %d, 响应: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		resp = nil

		if i < attempts-1 {
			retryDelay := time.Duration(s.cfg.RetryDelay) * time.Second
			s.log.WithFields(logrus.Fields{
				"attempt":      i + 1,
				"max_attempts": attempts,
				"error":        lastErr,
				"retry_delay":  retryDelay,
			}).Warn("获取期望状态失败，准备重试")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	if resp == nil {
		logger.LogError(lastErr, "获取期望状态最终失败", logrus.Fields{
			"url":            s.cfg.URL,
			"retry_count":    attempts,
			"total_duration": time.Since(startTime).Milliseconds(),
		})
		return nil, fmt.Errorf("获取期望状态失败: %w", lastErr)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if !env.Status.Success {
		return nil, fmt.Errorf("接口返回错误: %s (%s)", env.Status.Message, env.Status.ErrorCode)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("期望状态数据为空")
	}

	logger.LogPerformance("discovery_http", time.Since(startTime), logrus.Fields{"url": s.cfg.URL})
	return Parse(env.Data)
}
