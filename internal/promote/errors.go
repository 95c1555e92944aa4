package promote

import "github.com/rotisserie/eris"

var (
	// ErrPromotionAborted is returned when the candidate set holds no grants.
	// CURRENT and PREVIOUS are left untouched.
	ErrPromotionAborted = eris.New("promote: candidate set has no grants")

	// ErrFallbackNotFound marks a failed source file with no historical
	// replacement. It is recorded per file and never fails a promotion.
	ErrFallbackNotFound = eris.New("promote: no fallback source file")

	// ErrAmbiguousFallback marks a failed source file whose two most recent
	// replacements come from different runs started at the same instant.
	ErrAmbiguousFallback = eris.New("promote: ambiguous fallback")

	// ErrFallbackReused marks a replacement that is already in the candidate
	// set, either as a current file or as the fallback for another file.
	ErrFallbackReused = eris.New("promote: fallback already in candidate set")
)
