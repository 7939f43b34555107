package constants

// EventType, RabbitMQ olay türlerini tanımlar.
type EventType string

const (
	EventTypeCallStarted      EventType = "call.started"
	EventTypeCallEnded        EventType = "call.ended"
	EventTypePlaybackFinished EventType = "playback.finished"
)

// LifecycleRoutingKeys, orkestratör kuyruğunun dinlediği olaylardır.
var LifecycleRoutingKeys = []string{
	string(EventTypeCallStarted),
	string(EventTypeCallEnded),
	string(EventTypePlaybackFinished),
}

// AnnouncementID, sistem anonslarını tanımlar.
type AnnouncementID string

const (
	AnnounceSystemError AnnouncementID = "ANNOUNCE_SYSTEM_ERROR"
)

// TemplateID, veritabanındaki prompt şablonlarını tanımlar.
type TemplateID string

const (
	PromptWelcomeGuest    TemplateID = "PROMPT_WELCOME_GUEST"
	PromptSystemDefault   TemplateID = "PROMPT_SYSTEM_DEFAULT"
	PromptFallbackApology TemplateID = "PROMPT_FALLBACK_APOLOGY"
	PromptCallSummary     TemplateID = "PROMPT_CALL_SUMMARY"
)

// Bağımlılık adları; devre kesici, metrik ve sağlık kontrolü anahtarıdır.
const (
	DependencyTranscription = "transcription"
	DependencyCompletion    = "completion"
	DependencySynthesis     = "synthesis"
)

// Faz geçişi tetikleyicileri.
const (
	TriggerSpeechEnd        = "speech_end"
	TriggerResponseReady    = "response_ready"
	TriggerPlaybackComplete = "playback_complete"
	TriggerPlaybackTimeout  = "playback_timeout"
	TriggerPlaybackFailed   = "playback_failed"
	TriggerBargeIn          = "barge_in"
	TriggerProcessingError  = "processing_error"
	TriggerGreeting         = "greeting"
	TriggerCallEnded        = "call_ended"
)
