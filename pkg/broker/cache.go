package broker

import (
	"context"

	"taskbroker/pkg/protocol"
)

// cacheHit is a result the dispatcher can receive without running a worker.
type cacheHit struct {
	key    string
	result *protocol.Result
}

// probeCache looks key up in the result cache, then the empty-result marker
// at key+".e". Lookup errors are logged and count as a miss.
func (b *Broker) probeCache(ctx context.Context, key string, t *protocol.Task, version string) (*cacheHit, bool) {
	r, err := b.cache.GetResult(ctx, key)
	if err != nil {
		log.Warnw("result cache lookup failed", "service", t.ServiceName, "key", key, "error", err)
		return nil, false
	}
	if r != nil {
		return &cacheHit{key: key, result: r}, true
	}

	emptyKey := key + protocol.EmptyKeySuffix
	ok, err := b.cache.EmptyResultExists(ctx, emptyKey)
	if err != nil {
		log.Warnw("empty result lookup failed", "service", t.ServiceName, "key", emptyKey, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	empty := protocol.NewEmptyResult(t.FileInfo.SHA256, t.ServiceName, version, b.nowFunc())
	empty.ExpiryTS = t.Expiry(b.nowFunc())
	return &cacheHit{key: emptyKey, result: empty}, true
}
