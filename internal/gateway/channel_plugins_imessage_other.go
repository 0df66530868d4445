//go:build !darwin

package gateway

// registerIMessagePlugin is a no-op on non-darwin platforms: the iMessage
// adapter reads the local Messages.app database, which only exists on macOS.
func registerIMessagePlugin(registry *channelPluginRegistry) {}
