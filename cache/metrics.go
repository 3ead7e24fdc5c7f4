package cache

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit(Event)             {}
func (NoopMetrics) Miss(Event)            {}
func (NoopMetrics) Evict(Event)           {}
func (NoopMetrics) Demote(Event)          {}
func (NoopMetrics) L2Hit(Event)           {}
func (NoopMetrics) L2Miss(Event)          {}
func (NoopMetrics) L2Write(Event)         {}
func (NoopMetrics) L2Evict(Event)         {}
func (NoopMetrics) EvictStuck()           {}
func (NoopMetrics) Size(State, int64)     {}
func (NoopMetrics) MetaSize(State, int64) {}
func (NoopMetrics) Target(_, _, _ int64)  {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
