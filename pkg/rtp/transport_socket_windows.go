//go:build windows

package rtp

import "golang.org/x/sys/windows"

// setSockOptReusePort на Windows использует SO_REUSEADDR: аналога
// SO_REUSEPORT нет, а семантика SO_REUSEADDR здесь ближе к Unix
// SO_REUSEPORT, чем к Unix SO_REUSEADDR.
func setSockOptReusePort(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// setSockOptBindToDevice на Windows не поддерживается: привязка к
// интерфейсу выполняется через выбор локального IP адреса.
func setSockOptBindToDevice(fd uintptr, device string) error {
	return nil
}

// setSockOptVoiceOptimizations применяет Windows-специфичные настройки
func setSockOptVoiceOptimizations(fd uintptr) error {
	handle := windows.Handle(fd)

	// Увеличенные буферы сокета до привязки
	_ = windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_RCVBUF, VoiceOptimizedRecvBuffer)
	_ = windows.SetsockoptInt(handle, windows.SOL_SOCKET, windows.SO_SNDBUF, VoiceOptimizedSendBuffer)

	return nil
}

// setSockOptDSCP устанавливает DSCP маркировку. На Windows установка
// TOS через сокет может требовать административных прав, ошибка
// не считается фатальной.
func setSockOptDSCP(fd uintptr, dscp int) error {
	handle := windows.Handle(fd)
	tos := dscp << 2

	_ = windows.SetsockoptInt(handle, windows.IPPROTO_IP, windows.IP_TOS, tos)
	_ = windows.SetsockoptInt(handle, windows.IPPROTO_IPV6, windows.IPV6_TCLASS, tos)

	return nil
}
