package collector

import "actindex/internal/usn"

// classifyRules is evaluated in order; the first matching rule wins.
var classifyRules = []struct {
	mask     usn.Reason
	activity ActivityType
}{
	{usn.ReasonFileCreate, ActivityCreate},
	{usn.ReasonFileDelete, ActivityDelete},
	{usn.ReasonRenameOldName | usn.ReasonRenameNewName, ActivityRename},
	{usn.ReasonSecurityChange, ActivitySecurityChange},
	{usn.ReasonEAChange | usn.ReasonBasicInfoChange | usn.ReasonCompressionChange | usn.ReasonEncryptionChange, ActivityAttributeChange},
	{usn.ReasonClose, ActivityClose},
	{usn.ReasonDataOverwrite | usn.ReasonDataExtend | usn.ReasonDataTruncation, ActivityModify},
}

// Classify maps a reason bitmask to a single activity type.
func Classify(reason usn.Reason) ActivityType {
	for _, rule := range classifyRules {
		if reason.Has(rule.mask) {
			return rule.activity
		}
	}
	return ActivityOther
}
