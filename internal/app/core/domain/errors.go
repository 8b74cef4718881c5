package domain

import "errors"

// Kind 錯誤分類，決定呼叫端是否該重試以及對外回應方式
type Kind uint8

const (
	// KindUnknown 非領域錯誤 (例如底層 I/O)
	KindUnknown Kind = iota
	// KindInvalidInput 請求格式或數值錯誤，不會寫入任何資料
	KindInvalidInput
	// KindNotFound 找不到指定的實體
	KindNotFound
	// KindBusinessRule 違反業務規則 (餘額不足、已決議...)
	KindBusinessRule
	// KindConflict 併發修改衝突，可重試
	KindConflict
	// KindTimeout 儲存層逾時，可重試
	KindTimeout
	// KindFatal 稽核寫入失敗或部分提交，整個操作已中止並回滾
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindNotFound:
		return "NotFound"
	case KindBusinessRule:
		return "BusinessRuleViolation"
	case KindConflict:
		return "Conflict"
	case KindTimeout:
		return "Timeout"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error 帶分類的領域錯誤，以指標比較作為 sentinel 使用
type Error struct {
	kind Kind
	msg  string
}

func newError(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind 回傳錯誤分類
func (e *Error) Kind() Kind { return e.kind }

var (
	// ErrInvalidInput 一般性的輸入錯誤
	ErrInvalidInput = newError(KindInvalidInput, "invalid input")
	// ErrInvalidTransaction 交易請求結構錯誤 (金額、類型、轉帳帳戶)
	ErrInvalidTransaction = newError(KindInvalidInput, "invalid transaction")
	// ErrInvalidDecision 審核決議不是 Approve / Reject
	ErrInvalidDecision = newError(KindInvalidInput, "invalid decision")
	// ErrInvalidAccount 開戶參數錯誤
	ErrInvalidAccount = newError(KindInvalidInput, "invalid account")

	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = newError(KindNotFound, "account not found")
	// ErrTransactionNotFound 找不到交易
	ErrTransactionNotFound = newError(KindNotFound, "transaction not found")
	// ErrApprovalNotFound 找不到審核單
	ErrApprovalNotFound = newError(KindNotFound, "approval not found")

	// ErrInsufficientFunds 餘額不足
	ErrInsufficientFunds = newError(KindBusinessRule, "insufficient funds")
	// ErrAccountNotActive 帳戶非啟用狀態，不可異動餘額
	ErrAccountNotActive = newError(KindBusinessRule, "account is not active")
	// ErrAccountNotEmpty 結清帳戶前餘額必須為 0
	ErrAccountNotEmpty = newError(KindBusinessRule, "account balance must be zero to close")
	// ErrInvalidStatusChange 帳戶狀態轉換不合法
	ErrInvalidStatusChange = newError(KindBusinessRule, "invalid account status change")
	// ErrAlreadyDecided 審核單已決議
	ErrAlreadyDecided = newError(KindBusinessRule, "approval already decided")
	// ErrAlreadySubmitted 交易已送審
	ErrAlreadySubmitted = newError(KindBusinessRule, "transaction already submitted for review")
	// ErrNotPending 交易不在 Pending 狀態
	ErrNotPending = newError(KindBusinessRule, "transaction is not pending")
	// ErrNotReversible 交易不可沖正
	ErrNotReversible = newError(KindBusinessRule, "transaction is not reversible")
	// ErrSelfApproval 發起人不可審核自己的交易
	ErrSelfApproval = newError(KindBusinessRule, "reviewer cannot approve own transaction")
	// ErrReviewerNotEligible 審核人不在候選名單內
	ErrReviewerNotEligible = newError(KindBusinessRule, "reviewer is not in the candidate pool")

	// ErrConflict 版本號不符 (樂觀鎖)
	ErrConflict = newError(KindConflict, "concurrent modification")
	// ErrDuplicateReference 相同 ref_id 的交易正在處理中
	ErrDuplicateReference = newError(KindConflict, "transaction reference already in flight")

	// ErrTimeout 儲存層逾時
	ErrTimeout = newError(KindTimeout, "storage timeout")

	// ErrAuditWriteFailed 稽核紀錄寫入失敗
	ErrAuditWriteFailed = newError(KindFatal, "audit write failed")
	// ErrWALWriteFailed WAL 寫入失敗
	ErrWALWriteFailed = newError(KindFatal, "wal write failed")
	// ErrPartialCommit WAL 寫入不完整，日誌尾端可能留有此批次，需人工確認
	ErrPartialCommit = newError(KindFatal, "partial commit detected")
)

// KindOf 取出錯誤鏈中第一個領域錯誤的分類
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return KindUnknown
}

// IsRetryable Conflict 與 Timeout 可安全重試
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindTimeout:
		return true
	default:
		return false
	}
}
