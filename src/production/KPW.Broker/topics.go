package broker

import (
	"sort"
	"strings"
	"sync"
)

// NormalizeTopic trims the topic and turns a bare device id into the
// collar's publish topic "<id>/pub". An empty result means the input was
// blank.
func NormalizeTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ""
	}
	if !strings.Contains(topic, "/") {
		return topic + "/pub"
	}
	return topic
}

// TopicRegistry is the set of topics the process wants to be subscribed
// to. It outlives individual broker connections and is replayed on every
// (re)connect.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]struct{}
}

func NewTopicRegistry(seed ...string) *TopicRegistry {
	r := &TopicRegistry{topics: make(map[string]struct{})}
	for _, t := range seed {
		r.Add(t)
	}
	return r
}

// Add inserts the normalized topic. added is false when the topic was
// already present or blank.
func (r *TopicRegistry) Add(topic string) (normalized string, added bool) {
	normalized = NormalizeTopic(topic)
	if normalized == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[normalized]; ok {
		return normalized, false
	}
	r.topics[normalized] = struct{}{}
	return normalized, true
}

func (r *TopicRegistry) Contains(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[NormalizeTopic(topic)]
	return ok
}

// List returns a sorted snapshot
func (r *TopicRegistry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *TopicRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}
