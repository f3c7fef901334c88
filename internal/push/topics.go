package push

const (
	TopicAllUsers        = "all_users"
	TopicDailyHoroscope  = "daily_horoscope"
	TopicWeeklyHoroscope = "weekly_horoscope"
	TopicPremiumUsers    = "premium_users"
)

var allowedTopics = map[string]bool{
	TopicAllUsers:        true,
	TopicDailyHoroscope:  true,
	TopicWeeklyHoroscope: true,
	TopicPremiumUsers:    true,
}

// AllowedTopics returns the topics clients may subscribe to or be sent.
func AllowedTopics() []string {
	return []string{TopicAllUsers, TopicDailyHoroscope, TopicWeeklyHoroscope, TopicPremiumUsers}
}

// IsAllowedTopic reports whether topic is on the allow-list.
func IsAllowedTopic(topic string) bool {
	return allowedTopics[topic]
}

// DefaultTopics are subscribed when a registration names none.
func DefaultTopics() []string {
	return []string{TopicAllUsers}
}
