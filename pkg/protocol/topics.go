package protocol

// Topics pushed on the local WebSocket surface. Each frame is {topic, data}.
const (
	TopicStatus            = "happy:status"
	TopicConnected         = "happy:connected"
	TopicDisconnected      = "happy:disconnected"
	TopicMessage           = "happy:message"
	TopicError             = "happy:error"
	TopicEventStatus       = "happy:eventStatus"
	TopicUsage             = "happy:usage"
	TopicMessagesRestored  = "happy:messagesRestored"
	TopicSecretChanged     = "happy:secretChanged"
	TopicWorkDirSwitched   = "happy:workDirSwitched"
	TopicInitialized       = "happy:initialized"
	TopicFSChanged         = "happy:fsChanged"
	TopicDaemonStatus      = "daemon:statusChanged"
	TopicDaemonProgress    = "daemon:startProgress"
)

// Frame is a single {topic, data} push on the local WebSocket.
type Frame struct {
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
}
