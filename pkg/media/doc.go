// Package media реализует медиа слой поверх RTP сессий: управление
// сессиями активных диалогов, jitter buffer, DTMF сигнализацию,
// SRTP защиту потоков и наблюдение за качеством связи.
//
// # Архитектура
//
// Пакет состоит из следующих компонентов:
//
//   - Controller - владеет сессиями диалогов и наблюдением за качеством
//   - MediaSession - аудио тракт одного плеча вызова поверх rtp.Session
//   - JitterBuffer - восстановление порядка пакетов перед воспроизведением
//   - DTMFReceiver и SendDTMF - события telephone-event согласно RFC 4733
//   - SecureTransport - SRTP защита на границе транспорта
//
// # Быстрый старт
//
//	transport, err := rtp.NewUDPTransport(rtp.TransportConfig{
//		LocalAddr:  ":20000",
//		RemoteAddr: "198.51.100.7:20000",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	controller := media.NewController(media.ControllerConfig{Publisher: hub})
//	session, err := controller.CreateSession(key, media.SessionConfig{
//		PayloadType: rtp.PayloadTypePCMU,
//		Transport:   transport,
//		DTMFEnabled: true,
//		OnAudio: func(payload []byte, pt rtp.PayloadType, d time.Duration) {
//			// кадр после jitter buffer, каждые ptime
//		},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer controller.TerminateSession(key)
//
//	err = session.SendAudio(frame)
//	err = session.SendDTMF(media.DTMF5, media.DefaultDTMFDuration)
//
// # SRTP
//
// Поток защищается парой контекстов пакета srtp: локальный ключ для
// исходящего направления, ключ удаленной стороны для входящего.
// Шифрование и проверка происходят на границе транспорта, поэтому
// статистика и jitter buffer работают с открытыми пакетами:
//
//	config.SRTPSend = sendCtx
//	config.SRTPRecv = recvCtx
//
// Пакеты, не прошедшие проверку аутентификации, отбрасываются без
// разрыва сессии и учитываются в SRTPAuthFailures.
//
// # Наблюдение за качеством
//
// Контроллер периодически публикует статистику сессии в
// координационный слой и сигнализирует о деградации качества при
// потерях свыше QualityMaxLossPercent или джиттере свыше
// QualityMaxJitterMs:
//
//	err = controller.StartStatisticsMonitoring(ctx, key, 5*time.Second)
//
// Оценка MOS вычисляется по упрощенной E-model из потерь, джиттера и
// половины RTT.
//
// # Ссылки
//
//   - RFC 3550 - RTP: A Transport Protocol for Real-Time Applications
//   - RFC 3711 - The Secure Real-time Transport Protocol (SRTP)
//   - RFC 4733 - RTP Payload for DTMF Digits, Telephony Tones and Signals
package media
