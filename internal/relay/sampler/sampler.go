// Package sampler 按事件类型做概率丢弃，给高频低价值事件
// (弹幕、点赞、进场) 降流。付费事件默认不丢。
package sampler

import (
	"math/rand"

	"github.com/LokmenoWer/astrbot-plugin-bilibili-live/internal/relay/event"
)

// Sampler 决定一条事件是否保留。并发安全与否取决于注入的 rng。
type Sampler struct {
	rates map[event.Type]float64
	rng   func() float64
}

// New rates 是每种类型的丢弃概率 [0,1]，未配置的类型不丢。
// rng 为 nil 时使用 math/rand 全局源。
func New(rates map[event.Type]float64, rng func() float64) *Sampler {
	if rng == nil {
		rng = rand.Float64
	}
	copied := make(map[event.Type]float64, len(rates))
	for k, v := range rates {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		copied[k] = v
	}
	return &Sampler{rates: copied, rng: rng}
}

// Keep true 表示保留该事件
func (s *Sampler) Keep(t event.Type) bool {
	rate, ok := s.rates[t]
	if !ok || rate == 0 {
		return true
	}
	if rate >= 1 {
		return false
	}
	return s.rng() >= rate
}
