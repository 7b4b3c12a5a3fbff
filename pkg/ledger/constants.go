package ledger

const (
	operationCreateHolder = "create_holder"
	operationCredit       = "credit"
	operationDebit        = "debit"
	operationTransfer     = "transfer"
	operationStatusOK     = "ok"
	operationStatusError  = "error"
)
