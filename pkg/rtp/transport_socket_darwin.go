//go:build darwin

package rtp

import "golang.org/x/sys/unix"

// setSockOptReusePort включает переиспользование порта на macOS.
// SO_REUSEADDR достаточно в большинстве случаев, SO_REUSEPORT
// добавляется как best-effort.
func setSockOptReusePort(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// setSockOptBindToDevice на macOS не поддерживается: прямого аналога
// SO_BINDTODEVICE нет, привязка к интерфейсу выполняется через выбор
// локального IP адреса в конфигурации.
func setSockOptBindToDevice(fd uintptr, device string) error {
	return nil
}

// setSockOptVoiceOptimizations применяет macOS-специфичные настройки
func setSockOptVoiceOptimizations(fd uintptr) error {
	// SIGPIPE при записи в закрытый сокет роняет процесс, отключаем
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)

	// Временные метки ядра для расчета jitter
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1)

	return nil
}

// Traffic Class классы macOS для SO_TRAFFIC_CLASS
const (
	soTrafficClass = 0x1001
	soTCBestEffort = 0
	soTCVideo      = 2
	soTCVoice      = 3
)

// setSockOptDSCP устанавливает DSCP маркировку. Помимо классического
// IP_TOS macOS поддерживает собственный механизм Traffic Class,
// который учитывается Wi-Fi драйверами (WMM очереди).
func setSockOptDSCP(fd uintptr, dscp int) error {
	tos := dscp << 2
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

	tc := soTCBestEffort
	switch dscp {
	case DSCPExpeditedForwarding:
		tc = soTCVoice
	case DSCPAssuredForwarding:
		tc = soTCVideo
	}
	_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, soTrafficClass, tc)

	return nil
}
