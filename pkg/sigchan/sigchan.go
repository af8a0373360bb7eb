package sigchan

// Chan 是一个非阻塞的信号 channel
// 用于通知事件发生，但不传递数据；多次 Emit 在被消费前合并为一次
type Chan struct {
	c chan struct{}
}

// New 创建新的信号 channel
func New() *Chan {
	return &Chan{c: make(chan struct{}, 1)}
}

// Emit 发送信号（非阻塞）
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// Drain 清除尚未消费的信号
func (c *Chan) Drain() {
	select {
	case <-c.c:
	default:
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
