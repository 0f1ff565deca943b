package broadcast

import "github.com/courage2groww/network-master/internal/protocol"

// Capacities from spec.md §4.11.
const (
	capLiveTraces     = 10_000
	capAlerts         = 1_000
	capUpdateProgress = 100
	capTraffic        = 500
	capAgentStatus    = 100
)

// Hubs holds the broadcast channels dashboard connections subscribe to.
// One instance is shared process-wide. route_change_notification rides the
// same capacity class as live traces (it is emitted from the same
// inline-detection step and has the same publish cadence), since spec.md
// §4.11 names no channel of its own for it.
type Hubs struct {
	LiveTraces     *Hub[protocol.LiveTraceUpdate]
	RouteChanges   *Hub[protocol.RouteChangeNotification]
	Alerts         *Hub[protocol.AlertFired]
	UpdateProgress *Hub[protocol.UpdateProgress]
	Traffic        *Hub[protocol.LiveProcessTraffic]
	AgentStatus    *Hub[protocol.AgentOnlineStatus]
}

func NewHubs() *Hubs {
	return &Hubs{
		LiveTraces:     NewHub[protocol.LiveTraceUpdate](capLiveTraces),
		RouteChanges:   NewHub[protocol.RouteChangeNotification](capLiveTraces),
		Alerts:         NewHub[protocol.AlertFired](capAlerts),
		UpdateProgress: NewHub[protocol.UpdateProgress](capUpdateProgress),
		Traffic:        NewHub[protocol.LiveProcessTraffic](capTraffic),
		AgentStatus:    NewHub[protocol.AgentOnlineStatus](capAgentStatus),
	}
}
