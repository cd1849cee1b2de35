package extraction

import (
	"github.com/docflow-ai/platform/pkg/common/models"
)

// Overlay merges human-validated values over the worker's originals, per leaf
// field: a validated section only overrides the leaves the reviewer actually
// touched, never the whole document.
func Overlay(original models.DataSet, validated *models.DataSet) models.DataSet {
	if validated == nil {
		return original
	}

	merged := original
	merged.AccountStatement = overlayStatement(original.AccountStatement, validated.AccountStatement)
	merged.Debtor = overlayParty(original.Debtor, validated.Debtor)
	merged.CoDebtor = overlayParty(original.CoDebtor, validated.CoDebtor)
	return merged
}

func overlayStatement(original, validated *models.AccountStatement) *models.AccountStatement {
	if validated == nil {
		return original
	}
	if original == nil {
		out := *validated
		return &out
	}

	out := *original
	pickFloat(&out.Principal, validated.Principal)
	pickFloat(&out.TermInterest, validated.TermInterest)
	pickFloat(&out.DefaultInterest, validated.DefaultInterest)
	pickFloat(&out.CollectionFees, validated.CollectionFees)
	pickFloat(&out.LegalFees, validated.LegalFees)
	pickFloat(&out.TotalDebt, validated.TotalDebt)
	pickFloat(&out.InterestRate, validated.InterestRate)
	pickFloat(&out.DefaultRate, validated.DefaultRate)
	pickString(&out.DisbursementDate, validated.DisbursementDate)
	pickString(&out.DueDate, validated.DueDate)
	pickString(&out.CutoffDate, validated.CutoffDate)
	pickInt(&out.TermMonths, validated.TermMonths)
	return &out
}

func overlayParty(original, validated *models.Party) *models.Party {
	if validated == nil {
		return original
	}
	if original == nil {
		out := *validated
		return &out
	}

	out := *original
	pickString(&out.FullName, validated.FullName)
	pickString(&out.DocumentID, validated.DocumentID)
	pickString(&out.Address, validated.Address)
	pickString(&out.City, validated.City)
	pickString(&out.Phone, validated.Phone)
	pickString(&out.Email, validated.Email)
	return &out
}

func pickFloat(dst **float64, src *float64) {
	if src != nil {
		*dst = src
	}
}

func pickInt(dst **int, src *int) {
	if src != nil {
		*dst = src
	}
}

func pickString(dst **string, src *string) {
	if src != nil {
		*dst = src
	}
}

// Flatten produces the flat key map the filling worker consumes: statement
// figures at the top level, party fields prefixed with deudor_/codeudor_.
func Flatten(data models.DataSet) map[string]interface{} {
	flat := make(map[string]interface{})

	if s := data.AccountStatement; s != nil {
		putFloat(flat, "capital", s.Principal)
		putFloat(flat, "interes_plazo", s.TermInterest)
		putFloat(flat, "interes_mora", s.DefaultInterest)
		putFloat(flat, "gastos_cobranza", s.CollectionFees)
		putFloat(flat, "honorarios", s.LegalFees)
		putFloat(flat, "total_deuda", s.TotalDebt)
		putFloat(flat, "tasa_interes", s.InterestRate)
		putFloat(flat, "tasa_mora", s.DefaultRate)
		putString(flat, "fecha_desembolso", s.DisbursementDate)
		putString(flat, "fecha_vencimiento", s.DueDate)
		putString(flat, "fecha_corte", s.CutoffDate)
		if s.TermMonths != nil {
			flat["plazo_meses"] = *s.TermMonths
		}
	}

	flattenParty(flat, "deudor_", data.Debtor)
	flattenParty(flat, "codeudor_", data.CoDebtor)
	return flat
}

func flattenParty(flat map[string]interface{}, prefix string, party *models.Party) {
	if party == nil {
		return
	}
	putString(flat, prefix+"nombre", party.FullName)
	putString(flat, prefix+"cedula", party.DocumentID)
	putString(flat, prefix+"direccion", party.Address)
	putString(flat, prefix+"ciudad", party.City)
	putString(flat, prefix+"telefono", party.Phone)
	putString(flat, prefix+"email", party.Email)
}

func putFloat(flat map[string]interface{}, key string, v *float64) {
	if v != nil {
		flat[key] = *v
	}
}

func putString(flat map[string]interface{}, key string, v *string) {
	if v != nil {
		flat[key] = *v
	}
}

// Diff lists the leaf fields where the validated payload departs from the
// original, keyed by section.field.
func Diff(original models.DataSet, validated models.DataSet) map[string]interface{} {
	origFlat := Flatten(original)
	validFlat := Flatten(validated)

	diff := make(map[string]interface{})
	for key, v := range validFlat {
		o, ok := origFlat[key]
		if !ok {
			diff[key] = map[string]interface{}{"change": "added", "new": v}
			continue
		}
		if o != v {
			diff[key] = map[string]interface{}{"change": "modified", "original": o, "new": v}
		}
	}
	return diff
}
