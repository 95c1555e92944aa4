package rollup

// Check is a positive quality metric derived from one or more checker tests
// that flag the absence of something.
type Check struct {
	Metric string
	Tests  []string
	// RecipientOrg checks only apply to grants made to organisations, so
	// grants to individuals leave the denominator.
	RecipientOrg bool
}

// Checks is the fixed set of quality metrics.
var Checks = []Check{
	{
		Metric: "hasBeneficiaryLocationCodes",
		Tests:  []string{"BeneficiaryLocationCountryCodeNotPresent", "BeneficiaryLocationGeoCodeNotPresent"},
	},
	{Metric: "hasRecipientOrgLocations", Tests: []string{"IncompleteRecipientOrg"}, RecipientOrg: true},
	{Metric: "hasRecipientOrgCompanyOrCharityNumber", Tests: []string{"NoRecipientOrgCompanyCharityNumber"}, RecipientOrg: true},
	{Metric: "hasBeneficiaryLocationName", Tests: []string{"BeneficiaryLocationNameNotPresent"}},
	{Metric: "hasGrantDuration", Tests: []string{"PlannedDurationNotPresent"}},
	{Metric: "hasGrantProgrammeTitle", Tests: []string{"GrantProgrammeTitleNotPresent"}},
	{Metric: "hasGrantClassification", Tests: []string{"ClassificationNotPresent"}},
}

// FileTypes are the download formats tracked in the file-type mix.
var FileTypes = []string{"json", "csv", "xlsx", "ods"}

// AwardYearBands is how many calendar years, counting back from the current
// one, are reported.
const AwardYearBands = 10

// HistogramBuckets are the labels of the external org-id histogram.
var HistogramBuckets = []string{
	"0-10", "10-20", "20-30", "30-40", "40-50",
	"50-60", "60-70", "70-80", "80-90", "90-100",
}
