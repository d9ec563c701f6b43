package channel

// IdentityMap maps platform user IDs (Discord snowflakes, Slack member IDs)
// to phone numbers so gated commands can authorize non-phone transports.
// Unmapped users get an empty identity and can only run open commands.
type IdentityMap map[string]string

// Resolve returns the mapped phone number for userID, or "".
func (m IdentityMap) Resolve(userID string) string {
	if m == nil {
		return ""
	}
	return m[userID]
}
