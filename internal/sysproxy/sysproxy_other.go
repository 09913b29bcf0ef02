//go:build !linux && !windows && !darwin

package sysproxy

func setProxy(httpHost, httpPort, socksHost, socksPort string) error {
	return nil
}

func clearProxy() error {
	return nil
}
