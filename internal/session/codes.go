package session

// SMTP reply codes used by this package.
const (
	c211SystemStatus = 211
	c214Help         = 214
	c220ServiceReady = 220
	c221Closing      = 221
	c235AuthSuccess  = 235

	c250Completed = 250

	c334ContinueAuth = 334
	c354Continue     = 354

	c421ServiceUnavail = 421
	c452StorageFull    = 452 // Also used for "too many recipients".

	c500BadSyntax      = 500
	c501BadParamSyntax = 501
	c503BadCmdSeq      = 503
	c530SecurityReq    = 530
	c535AuthBadCreds   = 535
	c538EncReqForAuth  = 538
	c553BadMailbox     = 553
	c554TxnFailed      = 554
)

// Short enhanced status codes (without the leading major digit and dot).
const (
	seOther00             = "0.0"
	seAddrSenderSyntax7   = "1.7"
	seAddrRecipSyntax3    = "1.3"
	seSys3Other0          = "3.0"
	seProto5Other0        = "5.0"
	seProto5BadCmdOrSeq1  = "5.1"
	seProto5Syntax2       = "5.2"
	seProto5TooManyRcpts3 = "5.3"
	seProto5BadParams4    = "5.4"
	sePol7EncReqForAuth11 = "7.11"
	sePol7AuthBadCreds8   = "7.8"
	sePol7Other0          = "7.0"
)
