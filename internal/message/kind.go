package message

// Kind is the messageType tag of an envelope.
type Kind string

const (
	KindText            Kind = "text"
	KindImage           Kind = "image"
	KindVideo           Kind = "video"
	KindAudio           Kind = "audio"
	KindDocument        Kind = "document"
	KindLocation        Kind = "location"
	KindContact         Kind = "contact"
	KindGroupInvite     Kind = "groupInvite"
	KindContactRequest  Kind = "contactRequest"
	KindContactAccepted Kind = "contactAccepted"
	KindVibe            Kind = "vibe"
	KindReadReceipt     Kind = "readReceipt"
	KindProfileUpdate   Kind = "profileUpdate"
)

// AllKinds lists every defined kind in protocol order.
var AllKinds = []Kind{
	KindText,
	KindImage,
	KindVideo,
	KindAudio,
	KindDocument,
	KindLocation,
	KindContact,
	KindGroupInvite,
	KindContactRequest,
	KindContactAccepted,
	KindVibe,
	KindReadReceipt,
	KindProfileUpdate,
}

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindVideo, KindAudio, KindDocument,
		KindLocation, KindContact, KindGroupInvite, KindContactRequest,
		KindContactAccepted, KindVibe, KindReadReceipt, KindProfileUpdate:
		return true
	}
	return false
}

func (k Kind) isMedia() bool {
	switch k {
	case KindImage, KindVideo, KindAudio, KindDocument:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }
