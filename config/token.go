package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"market-sync-go/gateway"
)

// TokenProvider 返回一个每次调用都重新解析 token 的函数：
// 环境变量 > tokenFile > 配置中的静态 token。token 可以为空（匿名）。
func (g GatewayConfig) TokenProvider() gateway.TokenProvider {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
			return v, nil
		}
		if g.TokenFile != "" {
			raw, err := os.ReadFile(g.TokenFile)
			if err != nil {
				return "", fmt.Errorf("read token file: %w", err)
			}
			return strings.TrimSpace(string(raw)), nil
		}
		return g.Token, nil
	}
}
