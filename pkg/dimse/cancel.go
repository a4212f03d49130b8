package dimse

// sendCancel issues a C-CANCEL for an in-flight request. The provider
// keeps sending responses until it acknowledges with a cancel status.
func (a *Association) sendCancel(contextID byte, messageID uint16) error {
	cancel := &Message{
		CommandField:         CommandCCancelRQ,
		MessageIDRespondedTo: messageID,
	}
	return a.sendMessage(contextID, cancel, nil)
}
