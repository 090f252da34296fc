package engine

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy 控制断线后的重连。默认关闭：断线直接以 "connection lost" 报错。
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int // 0 表示不限次数
}

// reconnector 记录重连次数并给出下一次等待时间。
type reconnector struct {
	policy   ReconnectPolicy
	backoff  *backoff.ExponentialBackOff
	attempts int
}

func newReconnector(p ReconnectPolicy) *reconnector {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return &reconnector{policy: p, backoff: b}
}

// next 返回下一次重连前的等待；ok=false 表示放弃。
func (r *reconnector) next() (time.Duration, bool) {
	if !r.policy.Enabled {
		return 0, false
	}
	if r.policy.MaxAttempts > 0 && r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

// reset 在连接成功或切换品种后调用。
func (r *reconnector) reset() {
	r.attempts = 0
	r.backoff.Reset()
}
