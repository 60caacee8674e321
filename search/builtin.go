package search

// builtinParameters is the shipped catalog. Adding a kind or a parameter is
// data, not code: append an entry here or supply a YAML definition file.
func builtinParameters() []*Parameter {
	return []*Parameter{
		// Patient
		{Code: "name", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "name", Array: true},
		{Code: "family", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "family", Array: true},
		{Code: "given", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "given", Array: true},
		{Code: "address", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.address",
			Strategy: StrategyLookupTable, Lookup: LookupAddress, LookupColumn: "address", Array: true},
		{Code: "address-city", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.address",
			Strategy: StrategyLookupTable, Lookup: LookupAddress, LookupColumn: "city", Array: true},
		{Code: "address-state", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.address",
			Strategy: StrategyLookupTable, Lookup: LookupAddress, LookupColumn: "state", Array: true},
		{Code: "address-postalcode", Type: TypeString, ResourceTypes: []string{"Patient"}, Expression: "Patient.address",
			Strategy: StrategyLookupTable, Lookup: LookupAddress, LookupColumn: "postalCode", Array: true},
		{Code: "telecom", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.telecom",
			Strategy: StrategyLookupTable, Lookup: LookupContactPoint, Array: true},
		{Code: "email", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.telecom.where(system='email')",
			Strategy: StrategyLookupTable, Lookup: LookupContactPoint, Array: true},
		{Code: "phone", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.telecom.where(system='phone')",
			Strategy: StrategyLookupTable, Lookup: LookupContactPoint, Array: true},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.gender",
			Strategy: StrategyTokenColumn},
		{Code: "birthdate", Type: TypeDate, ResourceTypes: []string{"Patient"}, Expression: "Patient.birthDate",
			Strategy: StrategyColumn, Name: "birthdate"},
		{Code: "active", Type: TypeToken, ResourceTypes: []string{"Patient"}, Expression: "Patient.active",
			Strategy: StrategyTokenColumn},
		{Code: "general-practitioner", Type: TypeReference, ResourceTypes: []string{"Patient"},
			Expression: "Patient.generalPractitioner", Strategy: StrategyColumn, Array: true,
			Targets: []string{"Practitioner", "Organization"}},
		{Code: "organization", Type: TypeReference, ResourceTypes: []string{"Patient"},
			Expression: "Patient.managingOrganization", Strategy: StrategyColumn,
			Targets: []string{"Organization"}},

		// Practitioner
		{Code: "name", Type: TypeString, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "name", Array: true},
		{Code: "family", Type: TypeString, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "family", Array: true},
		{Code: "given", Type: TypeString, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.name",
			Strategy: StrategyLookupTable, Lookup: LookupHumanName, LookupColumn: "given", Array: true},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},
		{Code: "telecom", Type: TypeToken, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.telecom",
			Strategy: StrategyLookupTable, Lookup: LookupContactPoint, Array: true},
		{Code: "gender", Type: TypeToken, ResourceTypes: []string{"Practitioner"}, Expression: "Practitioner.gender",
			Strategy: StrategyTokenColumn},

		// Organization
		{Code: "name", Type: TypeString, ResourceTypes: []string{"Organization"}, Expression: "Organization.name",
			Strategy: StrategyColumn},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Organization"}, Expression: "Organization.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},
		{Code: "active", Type: TypeToken, ResourceTypes: []string{"Organization"}, Expression: "Organization.active",
			Strategy: StrategyTokenColumn},
		{Code: "type", Type: TypeToken, ResourceTypes: []string{"Organization"}, Expression: "Organization.type",
			Strategy: StrategyTokenColumn, Array: true},

		// Observation
		{Code: "code", Type: TypeToken, ResourceTypes: []string{"Observation"}, Expression: "Observation.code",
			Strategy: StrategyTokenColumn, Array: true},
		{Code: "category", Type: TypeToken, ResourceTypes: []string{"Observation"}, Expression: "Observation.category",
			Strategy: StrategyTokenColumn, Array: true},
		{Code: "status", Type: TypeToken, ResourceTypes: []string{"Observation"}, Expression: "Observation.status",
			Strategy: StrategyTokenColumn},
		{Code: "subject", Type: TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.subject",
			Strategy: StrategyColumn, Targets: []string{"Patient", "Practitioner"}},
		{Code: "patient", Type: TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.subject",
			Strategy: StrategyColumn, Name: "subject", Targets: []string{"Patient"}},
		{Code: "encounter", Type: TypeReference, ResourceTypes: []string{"Observation"}, Expression: "Observation.encounter",
			Strategy: StrategyColumn, Targets: []string{"Encounter"}},
		{Code: "date", Type: TypeDate, ResourceTypes: []string{"Observation"},
			Expression: "Observation.effective.as(dateTime) | Observation.effectivePeriod.start",
			Strategy:   StrategyColumn},
		{Code: "value-quantity", Type: TypeQuantity, ResourceTypes: []string{"Observation"},
			Expression: "Observation.valueQuantity.value", Strategy: StrategyColumn},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Observation"}, Expression: "Observation.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},

		// Encounter
		{Code: "status", Type: TypeToken, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.status",
			Strategy: StrategyTokenColumn},
		{Code: "class", Type: TypeToken, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.class",
			Strategy: StrategyTokenColumn},
		{Code: "subject", Type: TypeReference, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.subject",
			Strategy: StrategyColumn, Targets: []string{"Patient"}},
		{Code: "patient", Type: TypeReference, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.subject",
			Strategy: StrategyColumn, Name: "subject", Targets: []string{"Patient"}},
		{Code: "date", Type: TypeDate, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.period.start",
			Strategy: StrategyColumn},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Encounter"}, Expression: "Encounter.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},

		// Condition
		{Code: "code", Type: TypeToken, ResourceTypes: []string{"Condition"}, Expression: "Condition.code",
			Strategy: StrategyTokenColumn, Array: true},
		{Code: "clinical-status", Type: TypeToken, ResourceTypes: []string{"Condition"}, Expression: "Condition.clinicalStatus",
			Strategy: StrategyTokenColumn},
		{Code: "subject", Type: TypeReference, ResourceTypes: []string{"Condition"}, Expression: "Condition.subject",
			Strategy: StrategyColumn, Targets: []string{"Patient"}},
		{Code: "patient", Type: TypeReference, ResourceTypes: []string{"Condition"}, Expression: "Condition.subject",
			Strategy: StrategyColumn, Name: "subject", Targets: []string{"Patient"}},
		{Code: "onset-date", Type: TypeDate, ResourceTypes: []string{"Condition"},
			Expression: "Condition.onset.as(dateTime)", Strategy: StrategyColumn},
		{Code: "recorded-date", Type: TypeDate, ResourceTypes: []string{"Condition"},
			Expression: "Condition.recordedDate", Strategy: StrategyColumn},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Condition"}, Expression: "Condition.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},

		// Subscription
		{Code: "status", Type: TypeToken, ResourceTypes: []string{"Subscription"}, Expression: "Subscription.status",
			Strategy: StrategyTokenColumn},
		{Code: "criteria", Type: TypeString, ResourceTypes: []string{"Subscription"}, Expression: "Subscription.criteria",
			Strategy: StrategyColumn},
		{Code: "url", Type: TypeURI, ResourceTypes: []string{"Subscription"}, Expression: "Subscription.channel.endpoint",
			Strategy: StrategyColumn},
		{Code: "type", Type: TypeToken, ResourceTypes: []string{"Subscription"}, Expression: "Subscription.channel.type",
			Strategy: StrategyTokenColumn},

		// Project
		{Code: "name", Type: TypeString, ResourceTypes: []string{"Project"}, Expression: "Project.name",
			Strategy: StrategyColumn},
		{Code: "identifier", Type: TypeToken, ResourceTypes: []string{"Project"}, Expression: "Project.identifier",
			Strategy: StrategyLookupTable, Lookup: LookupIdentifier, Array: true},

		// Binary is the opaque-blob kind: specials only, declared so the
		// registry knows the kind exists.
		{Code: "content-type", Type: TypeToken, ResourceTypes: []string{"Binary"}, Expression: "Binary.contentType",
			Strategy: StrategyTokenColumn},
	}
}
