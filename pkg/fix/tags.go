package fix

// Tag is a FIX field tag number.
type Tag int

// Session-layer tags. Business-level dictionaries are supplied by the
// application, the engine only interprets the tags below.
const (
	TagBeginSeqNo      Tag = 7
	TagBeginString     Tag = 8
	TagBodyLength      Tag = 9
	TagCheckSum        Tag = 10
	TagEndSeqNo        Tag = 16
	TagMsgSeqNum       Tag = 34
	TagMsgType         Tag = 35
	TagNewSeqNo        Tag = 36
	TagPossDupFlag     Tag = 43
	TagRefSeqNum       Tag = 45
	TagSenderCompID    Tag = 49
	TagSendingTime     Tag = 52
	TagTargetCompID    Tag = 56
	TagText            Tag = 58
	TagEncryptMethod   Tag = 98
	TagHeartBtInt      Tag = 108
	TagTestReqID       Tag = 112
	TagOrigSendingTime Tag = 122
	TagGapFillFlag     Tag = 123
	TagResetSeqNumFlag Tag = 141
	TagUsername        Tag = 553
	TagPassword        Tag = 554
)

// Business tags used by the bundled demo programs.
const (
	TagClOrdID   Tag = 11
	TagOrdStatus Tag = 39
)

// header tags emitted in canonical order right after 8/9/35.
var headerTags = []Tag{
	TagSenderCompID,
	TagTargetCompID,
	TagMsgSeqNum,
	TagPossDupFlag,
	TagSendingTime,
	TagOrigSendingTime,
}

func isHeaderTag(t Tag) bool {
	switch t {
	case TagBeginString, TagBodyLength, TagMsgType, TagCheckSum:
		return true
	}
	for _, h := range headerTags {
		if t == h {
			return true
		}
	}
	return false
}
