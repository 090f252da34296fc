package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个 stream_event 所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"hub_connected":  {Event: "hub_connected", Required: []string{"name", "id"}},
	"hub_closed":     {Event: "hub_closed", Required: []string{"name", "code", "reason"}},
	"hub_disposed":   {Event: "hub_disposed", Required: []string{"name", "id"}},
	"snapshot_loaded": {
		Event:    "snapshot_loaded",
		Required: []string{"consumer", "symbol", "bars"},
	},
	"stream_closed": {Event: "stream_closed", Required: []string{"consumer", "code", "reason"}},
	"reconnecting":  {Event: "reconnecting", Required: []string{"consumer", "symbol", "attempt"}},
	"watch_added":   {Event: "watch_added", Required: []string{"consumer", "symbol"}},
	"watch_removed": {Event: "watch_removed", Required: []string{"consumer"}},
	"watch_switched": {
		Event:    "watch_switched",
		Required: []string{"consumer", "from", "to"},
	},
	"feed_client_connected":    {Event: "feed_client_connected", Required: []string{"client_id"}},
	"feed_client_disconnected": {Event: "feed_client_disconnected", Required: []string{"client_id"}},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key；未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s missing fields: %s", event, strings.Join(missing, ","))
	}
	return nil
}
