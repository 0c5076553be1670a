package credits

const (
	operationGrant      = "grant"
	operationDeduct     = "deduct"
	operationRefund     = "refund"
	operationDeactivate = "deactivate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	descriptionRefundPrefix = "refund of "

	maxDescriptionLength = 512
)
