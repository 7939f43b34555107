package service

import "errors"

var (
	// ErrCapacityExceeded, eşzamanlı çağrı sınırı doluyken gelen çağrı
	// başlangıcında döner; çağrı kuyruğa alınmaz.
	ErrCapacityExceeded = errors.New("eşzamanlı çağrı kapasitesi dolu")
	ErrCallExists       = errors.New("çağrı zaten aktif")
	ErrCallNotFound     = errors.New("aktif çağrı bulunamadı")
	ErrClosed           = errors.New("orkestratör kapatıldı")
	ErrInvalidSession   = errors.New("geçersiz çağrı oturumu")

	errEmptyCompletion = errors.New("dil modeli boş yanıt döndürdü")
	errEmptyAudio      = errors.New("ses sentezi boş veri döndürdü")
	errNoAudio         = errors.New("oynatılacak ses üretilemedi")
)
