package describe

// Service bundles attachment and link description behind one value,
// satisfying the formatter's Describer interface.
type Service struct {
	*AttachmentDescriber
	*LinkPreviewer
}

// NewService creates a describer service. transcribeProxyURL may be
// empty to disable audio transcription.
func NewService(transcribeProxyURL string, maxLinks int) *Service {
	return &Service{
		AttachmentDescriber: NewAttachmentDescriber(transcribeProxyURL),
		LinkPreviewer:       NewLinkPreviewer(maxLinks),
	}
}
