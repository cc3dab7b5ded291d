package eventlog

// EventType is the closed set of event-type tags derived from the marker
// glyph embedded in each log line's body.
type EventType string

const (
	EventTool           EventType = "tool"
	EventRead           EventType = "read"
	EventSearch         EventType = "search"
	EventFetch          EventType = "fetch"
	EventMCP            EventType = "mcp"
	EventSkill          EventType = "skill"
	EventAgentSpawn     EventType = "agent_spawn"
	EventAgentTask      EventType = "agent_task"
	EventAgentFinish    EventType = "agent_finish"
	EventSessionStart   EventType = "session_start"
	EventSessionEnd     EventType = "session_end"
	EventResponseFinish EventType = "response_finish"
	EventPlan           EventType = "plan"
	EventInputNeeded    EventType = "input_needed"
	EventPermission     EventType = "permission"
	EventQuestion       EventType = "question"
	EventCompleted      EventType = "completed"
	EventCompact        EventType = "compact"
	EventTask           EventType = "task"
	EventMessage        EventType = "message"
	EventUnknown        EventType = "unknown"
)

// markers maps glyphs to event types. Order matters: the first glyph found in
// the body wins, so more specific markers must precede generic ones.
var markers = []struct {
	glyph string
	typ   EventType
}{
	{"🔧", EventTool},
	{"📖", EventRead},
	{"🔍", EventSearch},
	{"🌐", EventFetch},
	{"🔌", EventMCP},
	{"⚡", EventSkill},
	{"🚀", EventAgentSpawn},
	{"🤖", EventAgentTask},
	{"🛬", EventAgentFinish},
	{"🟢", EventSessionStart},
	{"🔴", EventSessionEnd},
	{"🏁", EventResponseFinish},
	{"📐", EventPlan},
	{"👋", EventInputNeeded},
	{"🔐", EventPermission},
	{"❓", EventQuestion},
	{"✅", EventCompleted},
	{"⚠️", EventCompact},
	{"📋", EventTask},
	{"👥", EventMessage},
}

// TypeCounts are the per-event-type counters carried on daily metric rows.
type TypeCounts struct {
	Sessions     int64
	Messages     int64
	ToolCalls    int64
	AgentSpawns  int64
	TeamMessages int64
}

// Add accumulates other into c.
func (c *TypeCounts) Add(other TypeCounts) {
	c.Sessions += other.Sessions
	c.Messages += other.Messages
	c.ToolCalls += other.ToolCalls
	c.AgentSpawns += other.AgentSpawns
	c.TeamMessages += other.TeamMessages
}

// Count bumps the counter matching the given event type, if any.
func (c *TypeCounts) Count(typ EventType) {
	switch typ {
	case EventSessionStart:
		c.Sessions++
	case EventResponseFinish:
		c.Messages++
	case EventTool:
		c.ToolCalls++
	case EventAgentSpawn:
		c.AgentSpawns++
	case EventMessage:
		c.TeamMessages++
	}
}

// Total is the sum of all counters.
func (c TypeCounts) Total() int64 {
	return c.Sessions + c.Messages + c.ToolCalls + c.AgentSpawns + c.TeamMessages
}

// CountByType tallies the countable event types across entries.
func CountByType(entries []Entry) TypeCounts {
	var counts TypeCounts
	for _, e := range entries {
		counts.Count(e.Type)
	}
	return counts
}
