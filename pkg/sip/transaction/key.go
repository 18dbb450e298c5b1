package transaction

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Key ключ сопоставления транзакции согласно RFC 3261 Section 17.1.3/17.2.3
type Key struct {
	Branch   string
	Method   sip.RequestMethod
	IsServer bool
}

// String возвращает строковое представление ключа
func (k Key) String() string {
	role := "client"
	if k.IsServer {
		role = "server"
	}
	return k.Branch + "|" + string(k.Method) + "|" + role
}

// RequestKey строит ключ транзакции из запроса.
// ACK сопоставляется с INVITE транзакцией (ACK для не-2xx идет с тем же branch).
func RequestKey(req *sip.Request, isServer bool) (Key, error) {
	branch, err := requestBranch(req)
	if err != nil {
		return Key{}, err
	}

	method := req.Method
	if method == sip.ACK {
		method = sip.INVITE
	}

	return Key{Branch: branch, Method: method, IsServer: isServer}, nil
}

// ResponseKey строит ключ клиентской транзакции из ответа.
// Метод берется из CSeq, т.к. ответы не несут метода в стартовой строке.
func ResponseKey(resp *sip.Response) (Key, error) {
	via := resp.Via()
	if via == nil {
		return Key{}, ErrMissingVia
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, ErrMissingVia
	}

	cseq := resp.CSeq()
	if cseq == nil {
		return Key{}, ErrInvalidResponse
	}

	return Key{Branch: branch, Method: cseq.MethodName, IsServer: false}, nil
}

// requestBranch извлекает branch из верхнего Via заголовка запроса
func requestBranch(req *sip.Request) (string, error) {
	via := req.Via()
	if via == nil {
		return "", ErrMissingVia
	}

	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", ErrMissingVia
	}

	// RFC 3261 транзакции требуют магическую cookie в branch
	if !strings.HasPrefix(branch, "z9hG4bK") {
		return "", ErrMissingVia
	}

	return branch, nil
}
