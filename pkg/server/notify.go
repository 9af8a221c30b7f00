package server

// notifyChat fans out a chat's current messages to every subscriber
// present in the registry. It runs as a detached goroutine per
// triggering operation: the sender's own request never waits on it,
// and a broken subscriber socket is logged without affecting the rest.
// Subscribers offline at trigger time get nothing and re-pull on
// reconnect.
func (s *Server) notifyChat(chatID int64) {
	subscribers, err := s.store.PullChatSubscribers(chatID)
	if err != nil {
		errorLog.Printf("Fan-out for chat %d: subscriber pull failed: %v", chatID, err)
		return
	}
	if len(subscribers) == 0 {
		return
	}

	messages, err := s.store.PullMessagesForChat(chatID)
	if err != nil {
		errorLog.Printf("Fan-out for chat %d: message pull failed: %v", chatID, err)
		return
	}

	online := s.registry.Snapshot()
	for _, sub := range subscribers {
		sess, present := online[sub.UserID]
		if !present {
			continue
		}
		push := messagePushMessage(sub.UserID, sess.ID, chatID, messages)
		if err := sess.Push(push); err != nil {
			s.metrics.RecordNotificationError()
			debugLog.Printf("Fan-out for chat %d: push to user %d failed: %v", chatID, sub.UserID, err)
			continue
		}
		s.metrics.RecordNotificationPushed()
	}
}
